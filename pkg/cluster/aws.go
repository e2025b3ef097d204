// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cluster

import (
	"context"
	"fmt"

	"github.com/sketchcluster/engine/pkg/aws"
)

const (
	defaultWorkerRoleTagKey   = "sketchcluster:role"
	defaultWorkerRoleTagValue = "worker"
)

// AWSTopology discovers workers by querying EC2 for running instances
// tagged with a worker role, adapted from the teacher's EKS
// cluster-name auto-discovery (internal/kubernetes/cluster/eks.go,
// pkg/aws/client.go) to a flat fleet-discovery query instead of a
// single cluster identity lookup.
type AWSTopology struct {
	client       aws.Client
	port         int
	roleTagKey   string
	roleTagValue string
}

var _ Topology = &AWSTopology{}

// AWSTopologyOption configures an AWSTopology.
type AWSTopologyOption func(*AWSTopology)

// WithWorkerRoleTag overrides the default "sketchcluster:role=worker"
// EC2 tag used to recognize worker instances.
func WithWorkerRoleTag(key, value string) AWSTopologyOption {
	return func(t *AWSTopology) {
		t.roleTagKey = key
		t.roleTagValue = value
	}
}

// NewAWSTopology builds an AWSTopology using IMDS-based auto-discovery
// for region/account context, dialing every discovered worker on port.
func NewAWSTopology(ctx context.Context, port int, opts ...AWSTopologyOption) (*AWSTopology, error) {
	client, err := aws.NewClient(aws.WithAutoDiscovery(ctx))
	if err != nil {
		return nil, fmt.Errorf("cluster: creating AWS client: %w", err)
	}

	t := &AWSTopology{
		client:       client,
		port:         port,
		roleTagKey:   defaultWorkerRoleTagKey,
		roleTagValue: defaultWorkerRoleTagValue,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (AWSTopology) Name() string { return "aws" }

func (t *AWSTopology) Workers(ctx context.Context) ([]WorkerAddr, error) {
	instances, err := t.client.DiscoverWorkers(ctx, t.roleTagKey, t.roleTagValue)
	if err != nil {
		return nil, err
	}

	workers := make([]WorkerAddr, len(instances))
	for i, inst := range instances {
		workers[i] = WorkerAddr{Rank: i + 1, Addr: fmt.Sprintf("%s:%d", inst.PrivateIP, t.port)}
	}
	return workers, nil
}

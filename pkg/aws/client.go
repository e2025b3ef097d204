// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package aws discovers Distributed Worker instances running in an EC2
// fleet, for use by pkg/cluster's AWSTopology. It replaces the
// teacher's EKS-cluster-name discovery with a tag-based worker roster
// lookup, since this engine has no Kubernetes control plane dependency
// of its own — a worker fleet here is just EC2 instances carrying a
// recognized role tag.
package aws

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/go-logr/logr"
)

// WorkerInstance is one running EC2 instance tagged as a Distributed
// Worker host.
type WorkerInstance struct {
	InstanceID string
	PrivateIP  string
}

// Client exposes the subset of AWS metadata/EC2 operations the engine's
// AWS-backed topology needs.
type Client interface {
	// GetRegion returns the AWS region.
	GetRegion(ctx context.Context) (string, error)

	// GetAccountID returns the AWS account ID.
	GetAccountID(ctx context.Context) (string, error)

	// DiscoverWorkers lists running instances carrying roleTagKey=roleTagValue
	// (cluster.AWSTopology defaults to sketchcluster:role=worker), returning their private IPs for the
	// coordinator to dial.
	DiscoverWorkers(ctx context.Context, roleTagKey, roleTagValue string) ([]WorkerInstance, error)
}

var _ Client = &client{}

type ClientOption func(c *client) error

func WithLogger(logger logr.Logger) ClientOption {
	return func(c *client) error {
		c.logger = logger
		return nil
	}
}

func WithRegion(region string) ClientOption {
	return func(c *client) error {
		c.region = region
		return nil
	}
}

func WithAccountID(accountID string) ClientOption {
	return func(c *client) error {
		c.accountID = accountID
		return nil
	}
}

func WithAutoDiscovery(ctx context.Context) ClientOption {
	return func(c *client) error {
		imdsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("error loading default AWS config for IMDS client: %w", err)
		}
		c.imdsClient = imds.NewFromConfig(imdsCfg)

		if c.region == "" {
			resp, err := c.imdsClient.GetRegion(ctx, &imds.GetRegionInput{})
			if err != nil {
				return fmt.Errorf("error auto-discovering region: %w", err)
			}
			c.region = resp.Region
		}

		ec2Cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(c.region))
		if err != nil {
			return fmt.Errorf("error loading default AWS config for EC2 client: %w", err)
		}
		c.ec2Client = ec2.NewFromConfig(ec2Cfg)
		return nil
	}
}

// NewClient returns a new AWS client.
// The returned client is not safe to use in concurrent go routines.
func NewClient(opts ...ClientOption) (Client, error) {
	c := &client{}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

type client struct {
	logger logr.Logger

	ec2Client  *ec2.Client
	imdsClient *imds.Client

	accountID string
	region    string
}

func (c *client) GetRegion(ctx context.Context) (string, error) {
	if c.region != "" {
		return c.region, nil
	}

	if c.imdsClient == nil {
		return "", fmt.Errorf("cannot auto-discover region: " +
			"initialize Client with WithRegion or WithAutoDiscovery")
	}

	resp, err := c.imdsClient.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", fmt.Errorf("cannot auto-discover region: %w", err)
	}
	c.region = resp.Region

	return c.region, nil
}

func (c *client) GetAccountID(ctx context.Context) (string, error) {
	if c.accountID != "" {
		return c.accountID, nil
	}

	if c.imdsClient == nil {
		return "", fmt.Errorf("cannot auto-discover account ID: " +
			"initialize Client with WithAccountID or WithAutoDiscovery")
	}

	resp, err := c.imdsClient.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return "", fmt.Errorf("cannot auto-discover account ID: %w", err)
	}

	c.accountID = resp.AccountID

	return c.accountID, nil
}

func (c *client) DiscoverWorkers(ctx context.Context, roleTagKey, roleTagValue string) ([]WorkerInstance, error) {
	if c.ec2Client == nil {
		return nil, fmt.Errorf("cannot discover workers: initialize Client with WithAutoDiscovery")
	}

	out, err := c.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2Types.Filter{
			{Name: strPtr("tag:" + roleTagKey), Values: []string{roleTagValue}},
			{Name: strPtr("instance-state-name"), Values: []string{"running"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cannot discover workers: describing instances: %w", err)
	}

	selfID, _ := c.getMetadata(ctx, "instance-id") // best-effort; "" excludes nothing

	var workers []WorkerInstance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			if inst.InstanceId == nil || inst.PrivateIpAddress == nil {
				continue
			}
			if *inst.InstanceId == selfID {
				continue
			}
			workers = append(workers, WorkerInstance{
				InstanceID: *inst.InstanceId,
				PrivateIP:  *inst.PrivateIpAddress,
			})
		}
	}
	return workers, nil
}

func (c *client) getMetadata(ctx context.Context, path string) (string, error) {
	if c.imdsClient == nil {
		return "", fmt.Errorf("initialize Client with WithAutoDiscovery")
	}

	resp, err := c.imdsClient.GetMetadata(ctx, &imds.GetMetadataInput{
		Path: path,
	})
	if err != nil {
		return "", err
	}

	defer func() {
		if err := resp.Content.Close(); err != nil {
			c.logger.Error(err, "cannot close metadata content")
		}
	}()
	bytes, err := io.ReadAll(resp.Content)
	if err != nil {
		return "", fmt.Errorf("cannot read metadata content: %w", err)
	}
	return string(bytes), nil
}

func strPtr(s string) *string { return &s }

// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cluster

import (
	"context"
	"fmt"
	"sort"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// K8sTopology discovers workers from a headless Kubernetes Service's
// Endpoints: each ready address backing the service becomes one
// WorkerAddr, ranked by a stable sort of pod name so a coordinator
// restart reconnects to the same rank assignment as long as pod names
// are unchanged (e.g. a StatefulSet-backed worker fleet).
type K8sTopology struct {
	clientset *kubernetes.Clientset
	namespace string
	service   string
	port      int
}

var _ Topology = &K8sTopology{}

// NewK8sTopology builds a client using in-cluster config when available,
// falling back to the default kubeconfig loading rules otherwise —
// replacing the teacher's controller-runtime bootstrap with the
// self-contained client-go equivalent, since this engine has no
// reconcile loop to justify pulling in controller-runtime (DESIGN.md).
func NewK8sTopology(namespace, service string, port int) (*K8sTopology, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("cluster: no in-cluster config and no kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster: building kubernetes clientset: %w", err)
	}

	return &K8sTopology{clientset: clientset, namespace: namespace, service: service, port: port}, nil
}

func (K8sTopology) Name() string { return "kubernetes" }

func (t *K8sTopology) Workers(ctx context.Context) ([]WorkerAddr, error) {
	eps, err := t.clientset.CoreV1().Endpoints(t.namespace).Get(ctx, t.service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("cluster: getting endpoints for service %s/%s: %w", t.namespace, t.service, err)
	}

	type member struct {
		name string
		ip   string
	}
	var members []member
	for _, subset := range eps.Subsets {
		for _, addr := range subset.Addresses {
			name := addr.IP
			if addr.TargetRef != nil && addr.TargetRef.Kind == "Pod" {
				name = addr.TargetRef.Name
			}
			members = append(members, member{name: name, ip: addr.IP})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].name < members[j].name })

	workers := make([]WorkerAddr, len(members))
	for i, m := range members {
		workers[i] = WorkerAddr{Rank: i + 1, Addr: fmt.Sprintf("%s:%d", m.ip, t.port)}
	}
	return workers, nil
}

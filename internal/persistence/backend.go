// Package persistence defines the external Persistence Backend
// contract (spec §6) and ships a default in-memory implementation
// suitable for tests and single-process deployments.
package persistence

import "context"

// Namespace enumerates the persisted state layout spec §6 names.
type Namespace string

const (
	NamespaceTenants     Namespace = "tenants"
	NamespaceNodes       Namespace = "nodes"
	NamespaceJobs        Namespace = "jobs"
	NamespaceCheckpoints Namespace = "checkpoints"
	NamespaceAudit       Namespace = "audit"
)

// Backend is the pluggable storage contract every orchestrator
// deployment must supply. It is out of scope to implement a
// crash-safe, linearizable-per-key backend here (spec §1); Backend is
// the interface a real deployment's durable store (etcd, a SQL table,
// cloud object storage) would satisfy.
type Backend interface {
	Put(ctx context.Context, ns Namespace, id string, data []byte) error
	Get(ctx context.Context, ns Namespace, id string) ([]byte, bool, error)
	List(ctx context.Context, ns Namespace) ([]string, error)
	Delete(ctx context.Context, ns Namespace, id string) error
}

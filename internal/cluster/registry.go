// Package cluster keeps track of the AECU nodes sharing one etcd.
package cluster

import (
	"context"
	"fmt"
	"log/slog"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NodePrefix is the etcd prefix where nodes register themselves.
const NodePrefix = "/aecu/nodes/"

// Registry registers this node in etcd under a lease.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
}

// NewRegistry creates a new node registry.
func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "node-registry"),
	}
}

// Register publishes the node address and keeps its lease alive until
// Deregister is called or the lease is lost.
func (r *Registry) Register(ctx context.Context, nodeID, addr string, ttl int64) error {
	r.key = NodePrefix + nodeID

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err = r.client.Put(ctx, r.key, addr, clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put node registration key: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(context.Background(), r.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		r.logger.Warn("keep-alive channel closed, node registration may have expired", "key", r.key)
	}()

	r.logger.Info("node registered", "key", r.key, "addr", addr)
	return nil
}

// Deregister revokes the lease, which deletes the registration key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering node", "key", r.key)
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

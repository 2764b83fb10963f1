package cluster

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"easy-content-upgrade/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Discovery tracks the live nodes registered under NodePrefix.
type Discovery struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	logger  *slog.Logger
	nodes   map[string]string // node id -> addr
	mu      sync.RWMutex
}

// NewDiscovery creates a new discovery service.
func NewDiscovery(kv clientv3.KV, watcher clientv3.Watcher, logger *slog.Logger) *Discovery {
	return &Discovery{
		kv:      kv,
		watcher: watcher,
		logger:  logger.With("component", "node-discovery"),
		nodes:   make(map[string]string),
	}
}

// Watch loads the registered nodes and follows changes until ctx is done.
func (d *Discovery) Watch(ctx context.Context) error {
	d.logger.Info("starting to watch for nodes")

	rev, err := d.load(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial node load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for watchResp := range d.watcher.Watch(ctx, NodePrefix, opts...) {
		if err := watchResp.Err(); err != nil {
			d.logger.Error("node watch failed", "error", err)
			continue
		}
		for _, event := range watchResp.Events {
			d.apply(event.Type == clientv3.EventTypePut, string(event.Kv.Key), string(event.Kv.Value))
		}
	}
	d.logger.Info("stopped watching for nodes")
	return ctx.Err()
}

func (d *Discovery) load(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.kv.Get(ctx, NodePrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		d.apply(true, string(kv.Key), string(kv.Value))
	}
	return resp.Header.Revision, nil
}

func (d *Discovery) apply(put bool, key, addr string) {
	id := strings.TrimPrefix(key, NodePrefix)

	d.mu.Lock()
	defer d.mu.Unlock()
	if put {
		if _, ok := d.nodes[id]; !ok {
			d.logger.Info("node discovered", "node_id", id, "addr", addr)
		}
		d.nodes[id] = addr
		return
	}
	d.logger.Info("node deregistered", "node_id", id, "addr", d.nodes[id])
	delete(d.nodes, id)
}

// Nodes returns a snapshot of the live nodes ordered by id.
func (d *Discovery) Nodes() []domain.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	nodes := make([]domain.Node, 0, len(d.nodes))
	for id, addr := range d.nodes {
		nodes = append(nodes, domain.Node{ID: id, Addr: addr})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Static lists a fixed set of nodes, used when the node runs standalone.
type Static []domain.Node

func (s Static) Nodes() []domain.Node {
	return append([]domain.Node(nil), s...)
}

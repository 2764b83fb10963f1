package etcd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"easy-content-upgrade/internal/domain"
	"easy-content-upgrade/internal/metrics"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	LeaderElectionKey = "/aecu/leader"
)

type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	isLeader bool
	mutex    sync.RWMutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

// NewEtcdLeaderElectionManager creates a manager for leader election using etcd.
// Only the leader runs scheduled AECU actions.
func NewEtcdLeaderElectionManager(client *clientv3.Client, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "leader-election"),
	}
}

func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	// If this node dies, the session lease expires and leadership moves on.
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(int(m.ttl.Seconds())))
	if err != nil {
		return nil, err
	}
	election := concurrency.NewElection(session, LeaderElectionKey)

	if err := election.Campaign(ctx, m.nodeID); err != nil {
		_ = session.Close()
		return nil, err
	}

	m.logger.Info("successfully campaigned and became the leader", "node_id", m.nodeID)
	m.mutex.Lock()
	m.session = session
	m.election = election
	m.isLeader = true
	m.mutex.Unlock()
	metrics.IsLeader.WithLabelValues(m.nodeID).Set(1)

	return session.Done(), nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	election, session := m.election, m.session
	m.isLeader = false
	m.election, m.session = nil, nil
	m.mutex.Unlock()
	metrics.IsLeader.WithLabelValues(m.nodeID).Set(0)

	if election == nil {
		return nil
	}
	m.logger.Info("resigning leadership", "node_id", m.nodeID)
	err := election.Resign(ctx)
	_ = session.Close()
	return err
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.isLeader
}

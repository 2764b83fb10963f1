package domain

import "context"

// LeaderElectionManager elects the node that runs scheduled actions.
type LeaderElectionManager interface {
	// Campaign blocks until this node leads. The returned channel is closed when
	// leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}

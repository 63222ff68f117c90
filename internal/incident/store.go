package incident

import "context"

// Store is the persistence interface for incidents and their alert attempts.
// Implementations return copies; callers never share memory with the store.
type Store interface {
	Get(ctx context.Context, id string) (*Incident, bool, error)
	Put(ctx context.Context, inc *Incident) error

	// FindOpenByCluster returns the most recently updated non-terminal
	// incident for a cluster key.
	FindOpenByCluster(ctx context.Context, clusterKey string) (*Incident, bool, error)

	// ListOpen returns every non-terminal incident, used to rehydrate
	// in-memory indexes on start-up.
	ListOpen(ctx context.Context) ([]*Incident, error)

	AppendAttempts(ctx context.Context, attempts []AlertAttempt) error
	ListAttempts(ctx context.Context, incidentID string) ([]AlertAttempt, error)
}

// Package history defines the boundary to the source-control history
// service. The engine only ever asks two questions: which commits landed in a
// change range of a stream, and whether a given changelist exists in a
// stream's history at all.
package history

import "context"

// Commit is one submitted changelist as seen by a stream.
type Commit struct {
	// Number is the changelist number as applied in the queried stream.
	Number int64

	AuthorID string

	// OriginatingChange is the source changelist when the commit was merged
	// or integrated from another stream; zero for directly submitted work.
	OriginatingChange int64

	// Files lists the depot paths modified by the commit.
	Files []string
}

// Source answers commit-history queries for a stream.
type Source interface {
	// Find returns up to limit commits with minChange < number <= maxChange,
	// newest first.
	Find(ctx context.Context, streamID string, minChange, maxChange int64, limit int) ([]Commit, error)

	// Contains reports whether the changelist exists in the stream's history.
	Contains(ctx context.Context, streamID string, change int64) (bool, error)

	// StreamExists reports whether the stream itself still exists.
	StreamExists(ctx context.Context, streamID string) (bool, error)
}

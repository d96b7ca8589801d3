// Package store persists pending challenges between init and solve.
package store

import (
	"context"

	"github.com/dyshay/agentauth/challenge"
)

// Store is the persistence contract the engine needs. Get returns nil with a
// nil error when the id is unknown or expired; callers cannot tell the two
// apart. Delete removes the entry and hands the prior value to exactly one
// caller, which makes it the single-use gate for solves.
type Store interface {
	Put(ctx context.Context, rec *challenge.Record, ttlSeconds int64) error
	Get(ctx context.Context, id string) (*challenge.Record, error)
	Delete(ctx context.Context, id string) (*challenge.Record, error)
}

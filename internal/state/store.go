package state

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/opensandbox/runbox/pkg/types"
)

// HotTier is the fast store consulted first on every load. Load
// refreshes the TTL and last-access index; Peek reads without
// refreshing either.
type HotTier interface {
	Save(ctx context.Context, sessionID string, blob []byte) error
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Peek(ctx context.Context, sessionID string) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
	Idle(ctx context.Context, cutoff time.Time) ([]string, error)
	SaveMeta(ctx context.Context, meta *types.SessionMeta) error
	LoadMeta(ctx context.Context, sessionID string) (*types.SessionMeta, error)
}

// ColdTier is the archive consulted on hot misses.
type ColdTier interface {
	Put(ctx context.Context, sessionID string, blob []byte) error
	Get(ctx context.Context, sessionID string) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
}

// Store is the two-tier session state facade. The cold tier is
// optional; without it a hot miss is simply a miss.
type Store struct {
	hot  HotTier
	cold ColdTier
}

func NewStore(hot HotTier, cold ColdTier) *Store {
	return &Store{hot: hot, cold: cold}
}

// Save writes state to the hot tier.
func (s *Store) Save(ctx context.Context, sessionID string, blob []byte) error {
	return s.hot.Save(ctx, sessionID, blob)
}

// Load returns session state, preferring the hot tier. A hot miss falls
// through to the archive; a restored blob is moved back to the hot tier
// so subsequent executions stay fast.
func (s *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	blob, err := s.hot.Load(ctx, sessionID)
	if err == nil {
		return blob, nil
	}
	if !errors.Is(err, types.ErrNotFound) || s.cold == nil {
		return nil, err
	}

	blob, err = s.cold.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Restore is a move: rehydrate hot, then drop the archive copy.
	// Failures leave the archive copy in place for the next load.
	if err := s.hot.Save(ctx, sessionID, blob); err != nil {
		log.Printf("state: rehydrate %s: %v", sessionID, err)
		return blob, nil
	}
	if err := s.cold.Delete(ctx, sessionID); err != nil {
		log.Printf("state: drop archived copy %s: %v", sessionID, err)
	}
	return blob, nil
}

// Delete removes session state from both tiers.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	err := s.hot.Delete(ctx, sessionID)
	if s.cold != nil {
		if cerr := s.cold.Delete(ctx, sessionID); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// SaveMeta records session metadata in the hot tier.
func (s *Store) SaveMeta(ctx context.Context, meta *types.SessionMeta) error {
	return s.hot.SaveMeta(ctx, meta)
}

// LoadMeta returns session metadata from the hot tier.
func (s *Store) LoadMeta(ctx context.Context, sessionID string) (*types.SessionMeta, error) {
	return s.hot.LoadMeta(ctx, sessionID)
}

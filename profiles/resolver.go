package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"thesischat/logging"
	"thesischat/models"
)

// DefaultLookupTimeout bounds one shared profile lookup.
const DefaultLookupTimeout = 5 * time.Second

var (
	// ErrNotFound is returned by a Lookup when the peer has no profile.
	ErrNotFound = errors.New("profiles: profile not found")
	// ErrResolution wraps every failed lookup. It is logged, never surfaced.
	ErrResolution = errors.New("profiles: resolution failed")
)

// Lookup fetches display metadata for one peer from the profile service.
type Lookup interface {
	GetProfileByPeerID(ctx context.Context, peerID string) (models.ProfileRecord, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, peerID string) (models.ProfileRecord, error)

// GetProfileByPeerID calls f.
func (f LookupFunc) GetProfileByPeerID(ctx context.Context, peerID string) (models.ProfileRecord, error) {
	return f(ctx, peerID)
}

// FallbackLabel is the display name used when a peer cannot be resolved.
func FallbackLabel(peerID string) string {
	return fmt.Sprintf("Sinh viên (ID: %s)", peerID)
}

// FallbackRecord is the placeholder profile cached after a failed lookup.
func FallbackRecord(peerID string) models.ProfileRecord {
	return models.ProfileRecord{
		PeerID:      peerID,
		DisplayName: FallbackLabel(peerID),
		Fallback:    true,
	}
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	Lookup  Lookup
	Timeout time.Duration
	Logger  *zap.Logger
	// Fallback overrides FallbackRecord.
	Fallback func(peerID string) models.ProfileRecord
}

// Resolver memoizes peer profiles for the lifetime of a session.
//
// Concurrent callers for the same unresolved peer share one lookup.
type Resolver struct {
	lookup   Lookup
	timeout  time.Duration
	fallback func(peerID string) models.ProfileRecord
	logger   *zap.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]models.ProfileRecord
}

// NewResolver creates a resolver with defaults applied.
func NewResolver(options ResolverOptions) (*Resolver, error) {
	if options.Lookup == nil {
		return nil, errors.New("profile lookup is required")
	}
	if options.Timeout <= 0 {
		options.Timeout = DefaultLookupTimeout
	}
	if options.Fallback == nil {
		options.Fallback = FallbackRecord
	}

	return &Resolver{
		lookup:   options.Lookup,
		timeout:  options.Timeout,
		fallback: options.Fallback,
		logger:   logging.OrNop(options.Logger).Named("profiles"),
		cache:    make(map[string]models.ProfileRecord),
	}, nil
}

// Cached returns the memoized profile for peerID, if any.
func (r *Resolver) Cached(peerID string) (models.ProfileRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.cache[peerID]
	return record, ok
}

// Prime seeds the cache, e.g. from rehydrated conversations.
func (r *Resolver) Prime(record models.ProfileRecord) {
	if record.PeerID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cache[record.PeerID]; !exists {
		r.cache[record.PeerID] = record
	}
}

// Resolve returns display metadata for peerID. It never fails: lookup errors
// produce a cached fallback record.
//
// ctx only bounds how long this caller waits; the shared lookup keeps running
// for the other waiters.
func (r *Resolver) Resolve(ctx context.Context, peerID string) models.ProfileRecord {
	peerID = strings.TrimSpace(peerID)
	if record, ok := r.Cached(peerID); ok {
		return record
	}

	ch := r.group.DoChan(peerID, func() (any, error) {
		if record, ok := r.Cached(peerID); ok {
			return record, nil
		}
		return r.fetch(peerID), nil
	})

	select {
	case result := <-ch:
		return result.Val.(models.ProfileRecord)
	case <-ctx.Done():
		return r.fallback(peerID)
	}
}

func (r *Resolver) fetch(peerID string) models.ProfileRecord {
	lookupCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	record, err := r.lookup.GetProfileByPeerID(lookupCtx, peerID)
	if err == nil && strings.TrimSpace(record.DisplayName) == "" {
		err = errors.New("profile has no display name")
	}
	if err != nil {
		r.logger.Warn("profile lookup failed, using fallback",
			zap.String("peer_id", peerID),
			zap.Error(fmt.Errorf("%w: %w", ErrResolution, err)),
		)
		record = r.fallback(peerID)
	} else {
		record.PeerID = peerID
		record.Fallback = false
	}

	// A record primed while the lookup was in flight wins.
	r.mu.Lock()
	defer r.mu.Unlock()
	if primed, ok := r.cache[peerID]; ok {
		return primed
	}
	r.cache[peerID] = record
	return record
}

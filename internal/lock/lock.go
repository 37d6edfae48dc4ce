package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tasksync/internal/coord"
)

const (
	DefaultTTL = 2 * time.Minute
	keyPrefix  = "tasksync:lock:"
)

var (
	ErrBusy = errors.New("lock busy")
	ErrLost = errors.New("lock lost")
)

// Lease is a held lock. Owner is the token that must be presented to renew
// or release it.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

type Options struct {
	TTL      time.Duration
	NewToken func() string
	Now      func() time.Time
	Logger   *zerolog.Logger
}

type Manager struct {
	store    coord.Store
	ttl      time.Duration
	newToken func() string
	now      func() time.Time
	logger   zerolog.Logger
}

func NewManager(store coord.Store, opts Options) *Manager {
	m := &Manager{
		store:    store,
		ttl:      opts.TTL,
		newToken: opts.NewToken,
		now:      opts.Now,
		logger:   zerolog.Nop(),
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.newToken == nil {
		m.newToken = func() string { return uuid.NewString() }
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.Logger != nil {
		m.logger = *opts.Logger
	}
	return m
}

func Key(syncKey string) string {
	return keyPrefix + syncKey
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) Acquire(ctx context.Context, syncKey string) (Lease, error) {
	if strings.TrimSpace(syncKey) == "" {
		return Lease{}, coord.ErrInvalidInput
	}
	owner := m.newToken()
	ok, err := m.store.SetNX(ctx, Key(syncKey), owner, m.ttl)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lock %s: %w", syncKey, err)
	}
	if !ok {
		return Lease{}, ErrBusy
	}
	m.logger.Debug().Str("syncKey", syncKey).Dur("ttl", m.ttl).Msg("lock acquired")
	return Lease{Key: syncKey, Owner: owner, ExpiresAt: m.now().Add(m.ttl)}, nil
}

// Renew extends the lease by a full TTL. ErrLost means the lock expired or
// now belongs to someone else; the caller must stop mutating state.
func (m *Manager) Renew(ctx context.Context, lease *Lease) error {
	if lease == nil || lease.Owner == "" {
		return ErrLost
	}
	ok, err := m.store.ExpireIfEquals(ctx, Key(lease.Key), lease.Owner, m.ttl)
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", lease.Key, err)
	}
	if !ok {
		m.logger.Warn().Str("syncKey", lease.Key).Msg("lock lost before renewal")
		return ErrLost
	}
	lease.ExpiresAt = m.now().Add(m.ttl)
	return nil
}

// Release deletes the lock only if it is still held by the lease owner.
func (m *Manager) Release(ctx context.Context, lease Lease) error {
	if lease.Owner == "" {
		return nil
	}
	deleted, err := m.store.DeleteIfEquals(ctx, Key(lease.Key), lease.Owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Key, err)
	}
	if !deleted {
		m.logger.Debug().Str("syncKey", lease.Key).Msg("lock already expired or taken over at release")
		return nil
	}
	m.logger.Debug().Str("syncKey", lease.Key).Msg("lock released")
	return nil
}

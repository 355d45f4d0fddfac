package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/tabletap/tabletap-client/pkg/logger"
)

// Change describes a session transition delivered to subscribers.
type Change struct {
	Authenticated bool
	User          *Identity
}

// Store is the single source of truth for "are we logged in". The in-memory
// copy is authoritative for the process lifetime; the repository mirrors it
// to durable storage so a restart does not force re-login. Every read and
// write goes through the store mutex: a token swap observed mid-write by a
// concurrent request would replay with a half-rotated pair.
type Store struct {
	mu        sync.RWMutex
	current   Session
	repo      Repository
	logg      *logger.Logger
	listeners []chan Change
}

// NewStore builds the store and hydrates it from durable storage.
func NewStore(ctx context.Context, repo Repository, logg *logger.Logger) (*Store, error) {
	if repo == nil {
		return nil, fmt.Errorf("session repository is required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Store{repo: repo, logg: logg}

	access, refresh, err := repo.Load(ctx)
	if err != nil {
		// Unreadable storage is a cold start, not a failure.
		logg.Warn(ctx, "could not hydrate session from storage")
		return s, nil
	}
	if access != "" && refresh != "" {
		s.current = Session{
			AccessToken:  access,
			RefreshToken: refresh,
			User:         identityFromToken(access),
		}
	}
	return s, nil
}

// Get returns a copy of the current session.
func (s *Store) Get() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// IsAuthenticated reports whether a usable token pair is held.
func (s *Store) IsAuthenticated() bool {
	return s.Get().Authenticated()
}

// Set replaces the whole session, used on login/signup success.
func (s *Store) Set(ctx context.Context, access, refresh string) {
	s.mu.Lock()
	s.current = Session{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         identityFromToken(access),
	}
	snapshot := s.current
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify(snapshot)
}

// SetTokens swaps the token pair atomically after a refresh. An empty
// rotated refresh token keeps the existing one.
func (s *Store) SetTokens(ctx context.Context, access, refresh string) {
	s.mu.Lock()
	s.current.AccessToken = access
	if refresh != "" {
		s.current.RefreshToken = refresh
	}
	s.current.User = identityFromToken(access)
	snapshot := s.current
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify(snapshot)
}

// Clear wipes the session, used on logout and on irrecoverable refresh
// failure.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.current = Session{}
	if err := s.repo.Delete(ctx); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "session storage delete failed, memory copy cleared")
	}
	s.mu.Unlock()

	s.notify(Session{})
}

// Subscribe returns a channel receiving session transitions. The channel is
// buffered; a slow consumer drops intermediate updates rather than blocking
// the store.
func (s *Store) Subscribe() <-chan Change {
	ch := make(chan Change, 8)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

// Storage write failure is non-fatal: the in-memory pair stays
// authoritative, durability is lost until the next successful write.
func (s *Store) persistLocked(ctx context.Context) {
	if err := s.repo.Save(ctx, s.current.AccessToken, s.current.RefreshToken); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "session storage write failed, memory copy remains authoritative")
	}
}

func (s *Store) notify(snapshot Session) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()

	change := Change{Authenticated: snapshot.Authenticated(), User: snapshot.User}
	for _, ch := range listeners {
		select {
		case ch <- change:
		default:
		}
	}
}

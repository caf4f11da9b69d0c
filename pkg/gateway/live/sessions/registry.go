// Package sessions tracks the live voice sessions of the bridge, one per
// telephone call.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
)

// ErrCapacity is returned by Start when MaxSessions calls are already live.
var ErrCapacity = errors.New("session capacity reached")

// Factory builds an unconnected session for one call. onTerminal must be
// passed through to the session so the registry learns when it stops.
type Factory func(parent context.Context, callID string, actor principal.Actor, sink session.AudioSink, onTerminal func()) (*session.Session, error)

type Options struct {
	Logger *slog.Logger
	// MaxSessions bounds concurrent calls; zero means unbounded.
	MaxSessions int
}

type Registry struct {
	factory     Factory
	logger      *slog.Logger
	maxSessions int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	session *session.Session
	err     error
	ready   chan struct{}
	once    sync.Once
}

func NewRegistry(factory Factory, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory:     factory,
		logger:      logger,
		maxSessions: opts.MaxSessions,
		ctx:         ctx,
		cancel:      cancel,
		entries:     make(map[string]*entry),
	}
}

// Start creates, connects and starts the session for callID. A call that
// already has a session gets the existing one back.
func (r *Registry) Start(ctx context.Context, callID string, actor principal.Actor, sink session.AudioSink) (*session.Session, error) {
	if r == nil || r.factory == nil {
		return nil, fmt.Errorf("session registry is not configured")
	}

	r.mu.Lock()
	if e, ok := r.entries[callID]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}
	if r.maxSessions > 0 && len(r.entries) >= r.maxSessions {
		r.mu.Unlock()
		return nil, ErrCapacity
	}
	e := &entry{ready: make(chan struct{})}
	r.entries[callID] = e
	r.wg.Add(1)
	r.mu.Unlock()

	s, err := r.factory(r.ctx, callID, actor, sink, func() { r.release(callID, e) })
	if err != nil {
		r.fail(callID, e, fmt.Errorf("build session: %w", err))
		return nil, e.err
	}
	if err := s.Connect(ctx); err != nil {
		_ = s.Close()
		r.fail(callID, e, err)
		return nil, err
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		r.fail(callID, e, err)
		return nil, err
	}

	r.mu.Lock()
	e.session = s
	r.mu.Unlock()
	close(e.ready)
	r.logger.Info("voice session started", "call_id", callID, "actor", actor.Kind, "active", r.Count())
	return s, nil
}

func (r *Registry) fail(callID string, e *entry, err error) {
	e.err = err
	r.release(callID, e)
	close(e.ready)
	r.logger.Warn("voice session failed to start", "call_id", callID, "error", err)
}

func (r *Registry) release(callID string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.entries[callID] == e {
			delete(r.entries, callID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Get returns the running session for callID.
func (r *Registry) Get(callID string) (*session.Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[callID]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Stop closes the session for callID; the registry forgets it once it has
// fully stopped. Unknown call ids are ignored.
func (r *Registry) Stop(callID string) error {
	s, ok := r.Get(callID)
	if !ok {
		return nil
	}
	return s.Close()
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) CallIDs() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// StopAll closes every session and cancels sessions that are still starting.
func (r *Registry) StopAll() error {
	if r == nil {
		return nil
	}
	r.cancel()

	var running []*session.Session
	r.mu.Lock()
	for _, e := range r.entries {
		if e.session != nil {
			running = append(running, e.session)
		}
	}
	r.mu.Unlock()

	var result *multierror.Error
	for _, s := range running {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close session %s: %w", s.CallID(), err))
		}
	}
	return result.ErrorOrNil()
}

// Wait blocks until every session has stopped or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	if ctx == nil {
		r.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
	"github.com/vango-go/vai-bridge/pkg/gateway/risk"
)

// idleLink accepts every frame and never produces an event.
type idleLink struct {
	closed chan struct{}
	once   sync.Once
}

func newIdleLink() *idleLink { return &idleLink{closed: make(chan struct{})} }

func (l *idleLink) Send(context.Context, ...any) error { return nil }

func (l *idleLink) Receive(ctx context.Context) (protocol.ServerEvent, error) {
	select {
	case <-l.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *idleLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type testFactory struct {
	dials   atomic.Int32
	dialErr error
	built   atomic.Int32
}

func (f *testFactory) build(t *testing.T) Factory {
	t.Helper()
	reg := actions.NewRegistry()
	for _, def := range actions.DefaultCatalog().Actions {
		if err := reg.Register(def, actions.HandlerFunc(func(context.Context, actions.Call) (any, error) { return "ok", nil })); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	policy, err := risk.NewPolicy(reg.Definitions())
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	store := approvals.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return func(parent context.Context, callID string, actor principal.Actor, sink session.AudioSink, onTerminal func()) (*session.Session, error) {
		f.built.Add(1)
		return session.New(parent, session.Dependencies{
			CallID: callID,
			Actor:  actor,
			Sink:   sink,
			Dialer: session.DialerFunc(func(context.Context) (session.Link, error) {
				f.dials.Add(1)
				if f.dialErr != nil {
					return nil, f.dialErr
				}
				return newIdleLink(), nil
			}),
			Risk:       policy,
			Actions:    reg,
			Approvals:  store,
			Logger:     logger,
			OnTerminal: onTerminal,
		})
	}
}

func nopSink([]byte) error { return nil }

func newTestRegistry(t *testing.T, f *testFactory, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := NewRegistry(f.build(t), opts)
	t.Cleanup(func() {
		_ = r.StopAll()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Wait(ctx)
	})
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry_StartStopCountAndWait(t *testing.T) {
	f := &testFactory{}
	r := newTestRegistry(t, f, Options{})
	ctx := context.Background()

	s1, err := r.Start(ctx, "CA1", principal.Actor{Kind: principal.KindTrusted}, nopSink)
	if err != nil {
		t.Fatalf("Start CA1: %v", err)
	}
	if _, err := r.Start(ctx, "CA2", principal.Actor{Kind: principal.KindExternal}, nopSink); err != nil {
		t.Fatalf("Start CA2: %v", err)
	}
	if r.Count() != 2 {
		t.Fatalf("count=%d, want 2", r.Count())
	}
	if !s1.Connected() {
		t.Fatalf("expected started session to be connected")
	}
	if got, ok := r.Get("CA1"); !ok || got != s1 {
		t.Fatalf("Get CA1 returned %v, %v", got, ok)
	}

	if err := r.Stop("CA1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, func() bool { return r.Count() == 1 })
	if ids := r.CallIDs(); len(ids) != 1 || ids[0] != "CA2" {
		t.Fatalf("CallIDs=%v", ids)
	}

	if err := r.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if ok := r.Wait(wctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
}

func TestRegistry_StartIsIdempotentPerCall(t *testing.T) {
	f := &testFactory{}
	r := newTestRegistry(t, f, Options{})
	ctx := context.Background()

	first, err := r.Start(ctx, "CA1", principal.Actor{}, nopSink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := r.Start(ctx, "CA1", principal.Actor{}, nopSink)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first != second {
		t.Fatalf("expected the existing session back")
	}
	if got := f.built.Load(); got != 1 {
		t.Fatalf("sessions built=%d, want 1", got)
	}
}

func TestRegistry_ConnectFailureLeavesNoEntry(t *testing.T) {
	f := &testFactory{dialErr: errors.New("connection refused")}
	r := newTestRegistry(t, f, Options{})

	_, err := r.Start(context.Background(), "CA1", principal.Actor{}, nopSink)
	var ce *session.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("err=%v, want ConnectionError", err)
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
	if err := r.Stop("CA1"); err != nil {
		t.Fatalf("Stop of unknown call: %v", err)
	}

	f.dialErr = nil
	if _, err := r.Start(context.Background(), "CA1", principal.Actor{}, nopSink); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
}

func TestRegistry_Capacity(t *testing.T) {
	f := &testFactory{}
	r := newTestRegistry(t, f, Options{MaxSessions: 1})
	ctx := context.Background()

	if _, err := r.Start(ctx, "CA1", principal.Actor{}, nopSink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.Start(ctx, "CA2", principal.Actor{}, nopSink); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err=%v, want ErrCapacity", err)
	}
	if _, err := r.Start(ctx, "CA1", principal.Actor{}, nopSink); err != nil {
		t.Fatalf("existing call should not count against capacity: %v", err)
	}
}

func TestRegistry_NilIsSafe(t *testing.T) {
	var r *Registry
	if r.Count() != 0 {
		t.Fatalf("nil registry count should be 0")
	}
	if err := r.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if !r.Wait(context.Background()) {
		t.Fatalf("nil registry Wait should return true")
	}
	if _, err := r.Start(context.Background(), "CA1", principal.Actor{}, nopSink); err == nil {
		t.Fatalf("expected error from nil registry")
	}
}

func TestRegistry_StopUnknownCallIsNoop(t *testing.T) {
	r := NewRegistry(nil, Options{})
	if err := r.Stop("CA404"); err != nil {
		t.Fatalf("Stop(unknown)=%v, want nil", err)
	}

	var nilReg *Registry
	if err := nilReg.Stop("CA404"); err != nil {
		t.Fatalf("nil registry Stop=%v, want nil", err)
	}
}

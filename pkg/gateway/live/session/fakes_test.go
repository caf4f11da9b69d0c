package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
	"github.com/vango-go/vai-bridge/pkg/gateway/risk"
)

type linkEvent struct {
	ev  protocol.ServerEvent
	err error
}

type fakeLink struct {
	mu      sync.Mutex
	sends   [][]any
	sendErr error

	events    chan linkEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		events: make(chan linkEvent, 64),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) Send(_ context.Context, msgs ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	batch := make([]any, len(msgs))
	copy(batch, msgs)
	l.sends = append(l.sends, batch)
	return nil
}

func (l *fakeLink) Receive(ctx context.Context) (protocol.ServerEvent, error) {
	select {
	case e := <-l.events:
		return e.ev, e.err
	case <-l.closed:
		return nil, errors.New("use of closed network connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

func (l *fakeLink) push(ev protocol.ServerEvent) { l.events <- linkEvent{ev: ev} }
func (l *fakeLink) fail(err error) { l.events <- linkEvent{err: err} }

func (l *fakeLink) batches() [][]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]any, len(l.sends))
	copy(out, l.sends)
	return out
}

func (l *fakeLink) messages() []any {
	var out []any
	for _, b := range l.batches() {
		out = append(out, b...)
	}
	return out
}

func (l *fakeLink) submissions() []protocol.SubmitToolOutputs {
	var out []protocol.SubmitToolOutputs
	for _, m := range l.messages() {
		if sub, ok := m.(protocol.SubmitToolOutputs); ok {
			out = append(out, sub)
		}
	}
	return out
}

func (l *fakeLink) prompts() []protocol.ResponseCreate {
	var out []protocol.ResponseCreate
	for _, m := range l.messages() {
		if p, ok := m.(protocol.ResponseCreate); ok {
			out = append(out, p)
		}
	}
	return out
}

// fakeDialer hands out links built by next, which receives the 1-based dial
// number.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	links []*fakeLink
	next  func(n int) (*fakeLink, error)
}

func (d *fakeDialer) Dial(context.Context) (Link, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()

	link, err := d.next(n)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.links = append(d.links, link)
	d.mu.Unlock()
	return link, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) link(i int) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i]
}

func singleLinkDialer(link *fakeLink) *fakeDialer {
	return &fakeDialer{next: func(int) (*fakeLink, error) { return link, nil }}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

type sinkRecorder struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (r *sinkRecorder) Sink(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), pcm...))
	return r.err
}

func (r *sinkRecorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

type countingHandler struct {
	mu     sync.Mutex
	calls  []actions.Call
	result any
	err    error
}

func (h *countingHandler) Execute(_ context.Context, call actions.Call) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	return h.result, h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

type countingStore struct {
	*approvals.MemoryStore
	mu        sync.Mutex
	creates   int
	createErr error
}

func (s *countingStore) Create(ctx context.Context, rec approvals.Record) (approvals.Record, error) {
	s.mu.Lock()
	s.creates++
	err := s.createErr
	s.mu.Unlock()
	if err != nil {
		return approvals.Record{}, err
	}
	return s.MemoryStore.Create(ctx, rec)
}

type harness struct {
	session  *Session
	dialer   *fakeDialer
	sink     *sinkRecorder
	sleeps   *sleepRecorder
	store    *countingStore
	research *countingHandler
	sms      *countingHandler
}

type harnessOption func(*Dependencies)

func newHarness(t *testing.T, dialer *fakeDialer, opts ...harnessOption) *harness {
	t.Helper()

	research := &countingHandler{result: map[string]any{"results": []string{"sunny"}}}
	sms := &countingHandler{result: map[string]any{"message_id": "SM1"}}
	reg := actions.NewRegistry()
	for _, def := range actions.DefaultCatalog().Actions {
		var h actions.Handler = &countingHandler{}
		switch def.Name {
		case "web_research":
			h = research
		case "send_sms":
			h = sms
		}
		if err := reg.Register(def, h); err != nil {
			t.Fatalf("Register(%s): %v", def.Name, err)
		}
	}
	policy, err := risk.NewPolicy(reg.Definitions())
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	h := &harness{
		dialer:   dialer,
		sink:     &sinkRecorder{},
		sleeps:   &sleepRecorder{},
		store:    &countingStore{MemoryStore: approvals.NewMemoryStore()},
		research: research,
		sms:      sms,
	}
	deps := Dependencies{
		CallID:    "CA123",
		Actor:     principal.Actor{Kind: principal.KindExternal, Phone: "+15550199"},
		Sink:      h.sink.Sink,
		Dialer:    dialer,
		Risk:      policy,
		Actions:   reg,
		Approvals: h.store,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: Config{
			MaxReconnectAttempts: 3,
			PollInterval:         time.Hour,
			IdlePollInterval:     time.Hour,
		},
		Sleep: h.sleeps.Sleep,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	s, err := New(context.Background(), deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	h.session = s
	return h
}

// connected returns a harness whose session is connected over link but whose
// loops are not running, so tests can drive dispatch and polling directly.
func connected(t *testing.T, opts ...harnessOption) (*harness, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	h := newHarness(t, singleLinkDialer(link), opts...)
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h, link
}

func requiresAction(itemID string, calls ...protocol.ToolCall) protocol.RequiresAction {
	ev := protocol.RequiresAction{Type: protocol.TypeRequiresAction}
	ev.Item.ID = itemID
	ev.Item.RequiredAction.SubmitToolOutputs.ToolCalls = calls
	return ev
}

func toolCall(id, name, params string) protocol.ToolCall {
	return protocol.ToolCall{ID: id, Name: name, Parameters: []byte(params)}
}

func transcript(text string) protocol.TranscriptionCompleted {
	return protocol.TranscriptionCompleted{Type: protocol.TypeTranscriptionCompleted, Transcript: text}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not stop")
	}
}

func completeApproval(t *testing.T, store approvals.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Transition(ctx, id, approvals.StatusAwaitingConfirmation, approvals.Update{Status: approvals.StatusExecuting}); err != nil {
		t.Fatalf("Transition executing: %v", err)
	}
	if _, err := store.Transition(ctx, id, approvals.StatusExecuting, approvals.Update{
		Status: approvals.StatusCompleted,
		Result: []byte(`{"message_id":"SM1"}`),
	}); err != nil {
		t.Fatalf("Transition completed: %v", err)
	}
}

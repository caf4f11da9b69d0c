// Package session bridges one telephone call to one conversation with the
// realtime engine. It relays audio in both directions, gates high-risk
// actions behind dual confirmation, and keeps the engine link alive across
// transient failures.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/live/audio"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
)

const defaultInstructions = "You are a helpful phone assistant. Keep answers short and conversational. Use the available tools when the caller asks for something they can do."

type Dependencies struct {
	CallID    string
	Actor     principal.Actor
	Sink      AudioSink
	Dialer    Dialer
	Risk      RiskClassifier
	Actions   ActionRegistry
	Approvals ApprovalStore
	Logger    *slog.Logger
	Recorder  Recorder
	Config    Config

	// Sleep waits out reconnect backoff. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnTerminal runs once after the session has fully stopped.
	OnTerminal func()
}

type Session struct {
	callID     string
	actor      principal.Actor
	sink       AudioSink
	dialer     Dialer
	risk       RiskClassifier
	actions    ActionRegistry
	approvals  ApprovalStore
	logger     *slog.Logger
	recorder   Recorder
	cfg        Config
	sleep      func(ctx context.Context, d time.Duration) error
	onTerminal func()

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.Mutex
	link              Link
	connected         bool
	closed            bool
	started           bool
	lastTranscript    string
	reconnectAttempts int
	awaitingRoundTrip bool

	ledger ledger

	wg         sync.WaitGroup
	done       chan struct{}
	finishOnce sync.Once
}

// New validates deps and returns an unconnected session. The session's
// lifetime is bound to parent.
func New(parent context.Context, deps Dependencies) (*Session, error) {
	if strings.TrimSpace(deps.CallID) == "" {
		return nil, fmt.Errorf("call id is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("audio sink is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if deps.Risk == nil {
		return nil, fmt.Errorf("risk classifier is required")
	}
	if deps.Actions == nil {
		return nil, fmt.Errorf("action registry is required")
	}
	if deps.Approvals == nil {
		return nil, fmt.Errorf("approval store is required")
	}
	if parent == nil {
		parent = context.Background()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	ctx, cancel := context.WithCancel(parent)
	return &Session{
		callID:     deps.CallID,
		actor:      deps.Actor,
		sink:       deps.Sink,
		dialer:     deps.Dialer,
		risk:       deps.Risk,
		actions:    deps.Actions,
		approvals:  deps.Approvals,
		logger:     logger.With("call_id", deps.CallID),
		recorder:   recorder,
		cfg:        deps.Config.withDefaults(),
		sleep:      sleep,
		onTerminal: deps.OnTerminal,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

func (s *Session) CallID() string         { return s.callID }
func (s *Session) Actor() principal.Actor { return s.actor }

// Done is closed once the session has stopped for any reason.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) LastTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTranscript
}

func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// PendingActions returns a snapshot of the actions awaiting dual confirmation,
// oldest first.
func (s *Session) PendingActions() []PendingAction {
	return s.ledger.snapshot()
}

// Connect dials the engine and sends the session configuration. It returns a
// *ConnectionError when either step fails.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	s.logger.Info("realtime link established", "actor", s.actor.Kind)
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	link, err := s.dialer.Dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "dial", Err: err}
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := link.Send(sendCtx, s.sessionUpdate()); err != nil {
		_ = link.Close()
		return &ConnectionError{Op: "configure", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = link.Close()
		return ErrClosed
	}
	s.link = link
	s.connected = true
	s.mu.Unlock()
	return nil
}

// Start launches the receive/supervise loop and the confirmation poller. The
// session must already be connected.
func (s *Session) Start() error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.started:
		s.mu.Unlock()
		return nil
	case s.link == nil:
		s.mu.Unlock()
		return ErrNotReady
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.superviseLoop()
	go s.pollLoop()
	go func() {
		s.wg.Wait()
		s.finish()
	}()
	return nil
}

// Close stops the session and releases the link. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	link := s.link
	s.link = nil
	started := s.started
	s.mu.Unlock()

	s.cancel()
	var err error
	if link != nil {
		err = link.Close()
	}
	if !started {
		s.finish()
	}
	return err
}

func (s *Session) finish() {
	s.finishOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.connected = false
		link := s.link
		s.link = nil
		s.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		if n := s.ledger.len(); n > 0 {
			s.recorder.PendingActions(-n)
			s.logger.Warn("session ended with unresolved actions", "pending", n)
		}
		close(s.done)
		if s.onTerminal != nil {
			s.onTerminal()
		}
	})
}

// SendAudio forwards one 8 kHz PCM16 frame from the caller. Each frame is
// appended and committed as its own unit; the engine's VAD decides turns.
func (s *Session) SendAudio(ctx context.Context, pcm8k []byte) error {
	if !s.Connected() {
		return ErrDisconnected
	}
	up, err := audio.UpsamplePCM8kTo24k(pcm8k)
	if err != nil {
		return fmt.Errorf("resample caller audio: %w", err)
	}
	enc := base64.StdEncoding.EncodeToString(up)
	return s.send(ctx, protocol.NewAudioAppend(enc), protocol.NewAudioCommit())
}

func (s *Session) currentLink() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send writes msgs on the current link. Errors raised after teardown are
// swallowed.
func (s *Session) send(ctx context.Context, msgs ...any) error {
	link := s.currentLink()
	if link == nil {
		if s.isClosed() {
			return nil
		}
		return ErrNotReady
	}
	if ctx == nil {
		ctx = s.ctx
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	if err := link.Send(ctx, msgs...); err != nil {
		if s.isClosed() {
			return nil
		}
		return err
	}
	return nil
}

func (s *Session) sessionUpdate() protocol.SessionUpdate {
	defs := s.actions.Definitions()
	tools := make([]protocol.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, protocol.Tool{
			Type:        protocol.ToolTypeFunction,
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return protocol.NewSessionUpdate(protocol.SessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      s.instructions(),
		Voice:             s.cfg.Voice,
		InputAudioFormat:  protocol.AudioFormatPCM16,
		OutputAudioFormat: protocol.AudioFormatPCM16,
		TurnDetection: &protocol.TurnDetection{
			Type:              protocol.TurnDetectionServer,
			Threshold:         s.cfg.VADThreshold,
			PrefixPaddingMS:   s.cfg.VADPrefixPaddingMS,
			SilenceDurationMS: s.cfg.VADSilenceMS,
		},
		InputAudioTranscription: &protocol.InputAudioTranscription{Model: s.cfg.TranscriptionModel},
		Tools:                   tools,
	})
}

func (s *Session) instructions() string {
	base := strings.TrimSpace(s.cfg.Instructions)
	if base == "" {
		base = defaultInstructions
	}
	if s.actor.Trusted() {
		return base + "\n\nThe caller is a trusted contact of the account owner."
	}
	return base + "\n\nThe caller is not on the trusted contact list. Actions that contact other people or change anything need the caller's spoken confirmation and a separate approval from the account owner."
}

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vango-go/vai-bridge/pkg/gateway/actions"
	"github.com/vango-go/vai-bridge/pkg/gateway/approvals"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-bridge/pkg/gateway/risk"
)

// Link is one live connection to the conversational engine.
type Link interface {
	// Send writes msgs contiguously; no other frame is interleaved.
	Send(ctx context.Context, msgs ...any) error
	Receive(ctx context.Context) (protocol.ServerEvent, error)
	Close() error
}

// Dialer opens a fresh Link. The supervisor calls it for the first connection
// and for every reconnect.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Link, error)

func (f DialerFunc) Dial(ctx context.Context) (Link, error) { return f(ctx) }

// RiskClassifier decides whether a requested action may run immediately.
// Classify returns the level and the reasons behind it.
type RiskClassifier interface {
	Classify(name string) (risk.Level, []string)
}

// ActionRegistry resolves action names to handlers and advertises their
// schemas in session.update.
type ActionRegistry interface {
	Lookup(name string) (actions.Handler, bool)
	Definitions() []actions.Definition
}

// ApprovalStore persists the out-of-band approval record of each gated
// action. Create runs synchronously when the action is requested.
type ApprovalStore interface {
	Create(ctx context.Context, rec approvals.Record) (approvals.Record, error)
	Get(ctx context.Context, id string) (approvals.Record, error)
}

// AudioSink receives 8 kHz PCM16 frames bound for the caller.
type AudioSink func(pcm8k []byte) error

// Recorder receives session-level counters. All methods must be safe for
// concurrent use.
type Recorder interface {
	ReconnectAttempt(outcome string)
	ToolOutputs(path string, n int)
	PendingActions(delta int)
	DroppedFrame(reason string)
	EngineError(code string)
}

type nopRecorder struct{}

func (nopRecorder) ReconnectAttempt(string) {}
func (nopRecorder) ToolOutputs(string, int) {}
func (nopRecorder) PendingActions(int) {}
func (nopRecorder) DroppedFrame(string) {}
func (nopRecorder) EngineError(string) {}

var (
	ErrClosed       = errors.New("session closed")
	ErrDisconnected = errors.New("session disconnected")
	// ErrNotReady is returned while the link is being re-established.
	ErrNotReady = errors.New("realtime link not ready")
)

// ConnectionError reports a failed dial or initial configuration send.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Config tunes one session. Zero fields take the defaults below.
type Config struct {
	Instructions         string
	Voice                string
	TranscriptionModel   string
	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceMS         int
	ConfirmationPhrases  []string
	AutoExecuteHighRisk  bool
	MaxReconnectAttempts int
	// BackoffUnit is multiplied by 2^attempt; one second in production.
	BackoffUnit      time.Duration
	PollInterval     time.Duration
	IdlePollInterval time.Duration
	ToolTimeout      time.Duration
	SendTimeout      time.Duration
}

const (
	DefaultMaxReconnectAttempts = 3
	DefaultTranscriptionModel   = "whisper-1"
	DefaultVoice                = "alloy"
)

var DefaultConfirmationPhrases = []string{"confirm", "approve", "yes"}

func (c Config) withDefaults() Config {
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = DefaultTranscriptionModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = 0.5
	}
	if c.VADPrefixPaddingMS <= 0 {
		c.VADPrefixPaddingMS = 300
	}
	if c.VADSilenceMS <= 0 {
		c.VADSilenceMS = 500
	}
	if len(c.ConfirmationPhrases) == 0 {
		c.ConfirmationPhrases = DefaultConfirmationPhrases
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = 2 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

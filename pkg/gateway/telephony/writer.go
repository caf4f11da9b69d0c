package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrQueueFull     = errors.New("media stream queue full")
	ErrWriterStopped = errors.New("media stream writer stopped")
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type WriterConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// QueueSize bounds buffered media frames; a full queue drops new audio.
	QueueSize int
}

// Writer owns every write to one media-stream socket. Control events jump
// ahead of queued audio.
type Writer struct {
	ws       wsWriter
	cfg      WriterConfig
	priority chan []byte
	normal   chan []byte
	stopped  chan struct{}
}

func NewWriter(ws wsWriter, cfg WriterConfig) *Writer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Writer{
		ws:       ws,
		cfg:      cfg,
		priority: make(chan []byte, 16),
		normal:   make(chan []byte, cfg.QueueSize),
		stopped:  make(chan struct{}),
	}
}

// SendMedia queues caller-bound audio without blocking.
func (w *Writer) SendMedia(streamSid string, pcm []byte) error {
	payload, err := json.Marshal(NewOutboundMedia(streamSid, pcm))
	if err != nil {
		return err
	}
	select {
	case <-w.stopped:
		return ErrWriterStopped
	default:
	}
	select {
	case w.normal <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendControl queues a control event ahead of pending audio.
func (w *Writer) SendControl(ctx context.Context, c Control) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	select {
	case <-w.stopped:
		return ErrWriterStopped
	default:
	}
	select {
	case w.priority <- payload:
		return nil
	case <-w.stopped:
		return ErrWriterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes queued frames until ctx is done or a write fails. On shutdown
// it flushes pending control events and sends a normal close frame.
func (w *Writer) Run(ctx context.Context) error {
	if w == nil || w.ws == nil {
		return nil
	}
	defer close(w.stopped)

	pingTicker := time.NewTicker(w.cfg.PingInterval)
	defer pingTicker.Stop()

	var pendingNormal []byte

	for {
		select {
		case <-ctx.Done():
			w.flushPriorityOnShutdown()
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.cfg.WriteTimeout))
			return nil
		default:
		}

		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				return err
			}
			continue
		default:
		}

		// A control event queued while audio was waiting still goes first.
		if pendingNormal != nil {
			select {
			case frame := <-w.priority:
				if err := w.writeFrame(frame); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(pendingNormal); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		select {
		case <-ctx.Done():
		case <-pingTicker.C:
			deadline := time.Now().Add(w.cfg.WriteTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame); err != nil {
				return err
			}
		case frame := <-w.normal:
			pendingNormal = frame
		}
	}
}

func (w *Writer) flushPriorityOnShutdown() {
	flushTimeout := 100 * time.Millisecond
	if w.cfg.WriteTimeout < flushTimeout {
		flushTimeout = w.cfg.WriteTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			_ = w.writeFrame(frame)
		default:
			return
		}
	}
}

func (w *Writer) writeFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame)
}

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-bridge/pkg/gateway/apierror"
	"github.com/vango-go/vai-bridge/pkg/gateway/config"
	"github.com/vango-go/vai-bridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/session"
	"github.com/vango-go/vai-bridge/pkg/gateway/mw"
	"github.com/vango-go/vai-bridge/pkg/gateway/principal"
	"github.com/vango-go/vai-bridge/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-bridge/pkg/gateway/telephony"
)

// CallRegistry owns one voice session per call.
type CallRegistry interface {
	Start(ctx context.Context, callID string, actor principal.Actor, sink session.AudioSink) (*session.Session, error)
	Stop(callID string) error
}

// CallRecorder receives per-call counters. Optional.
type CallRecorder interface {
	RecordCallEnd(outcome string, d time.Duration)
	RecordRateLimit(limitType string)
	DroppedFrame(reason string)
}

const (
	callOutcomeCompleted    = "completed"
	callOutcomeHangup       = "hangup"
	callOutcomeDisconnected = "disconnected"
	callOutcomeRejected     = "rejected"
)

// TelephonyHandler terminates the carrier media stream on
// /v1/telephony/stream and bridges it to a voice session.
type TelephonyHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  CallRegistry
	Limiter   *ratelimit.Limiter
	Recorder  CallRecorder
}

func (h TelephonyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r)
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, reqID, &apierror.Error{Type: apierror.ErrOverloaded, Message: "bridge is draining", Code: "draining"}, 529)
		return
	}

	if h.Limiter != nil {
		dec := h.Limiter.AcquireCall(principal.Approver(r, h.Config.TrustProxyHeaders), time.Now())
		if !dec.Allowed {
			h.recordRateLimit()
			mw.WriteRateLimited(w, reqID, dec.RetryAfter)
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.HandshakeTimeout,
		// Carriers do not send a browser Origin; the stream is authenticated
		// by API key instead.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxStreamMsgBytes > 0 {
		conn.SetReadLimit(h.Config.MaxStreamMsgBytes)
	}

	c := &callStream{
		h:       h,
		conn:    conn,
		logger:  h.logger().With("request_id", reqID),
		started: time.Now(),
	}
	c.run(r.Context())
}

// callStream is the state of one accepted media stream.
type callStream struct {
	h       TelephonyHandler
	conn    *websocket.Conn
	logger  *slog.Logger
	started time.Time

	writer     *telephony.Writer
	writerDone chan struct{}
	cancel     context.CancelFunc
	closeOnce  sync.Once

	callID    string
	streamSid string
	sess      *session.Session
}

func (c *callStream) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	defer cancel()

	c.writer = telephony.NewWriter(c.conn, telephony.WriterConfig{
		PingInterval: c.h.Config.WSPingInterval,
		WriteTimeout: c.h.Config.WSWriteTimeout,
	})
	c.writerDone = make(chan struct{})
	go func() {
		defer close(c.writerDone)
		if err := c.writer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("media stream writer stopped", "error", err)
		}
	}()

	handshake := c.h.Config.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(handshake))

	outcome := c.readLoop(ctx)

	c.shutdown()
	if c.callID != "" {
		if err := c.h.Sessions.Stop(c.callID); err != nil {
			c.logger.Warn("stop voice session", "call_id", c.callID, "error", err)
		}
	}

	c.logger.Info("media stream ended",
		"call_id", c.callID,
		"stream_sid", c.streamSid,
		"outcome", outcome,
		"duration_ms", time.Since(c.started).Milliseconds(),
	)
	if c.h.Recorder != nil {
		c.h.Recorder.RecordCallEnd(outcome, time.Since(c.started))
	}
}

// shutdown stops the writer, which sends a close frame, then closes the socket
// so a blocked read returns.
func (c *callStream) shutdown() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.writerDone
		_ = c.conn.Close()
	})
}

func (c *callStream) readLoop(ctx context.Context) string {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.sessionEnded() {
				return callOutcomeDisconnected
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("media stream read failed", "call_id", c.callID, "error", err)
			}
			return callOutcomeHangup
		}
		if mt != websocket.TextMessage {
			c.dropped("telephony_binary")
			continue
		}

		ev, err := telephony.DecodeEvent(data)
		if err != nil {
			c.logger.Debug("dropping media stream frame", "call_id", c.callID, "error", err)
			c.dropped("telephony_decode")
			continue
		}

		switch ev.Event {
		case telephony.EventStart:
			if c.sess != nil {
				continue
			}
			if err := c.start(ctx, ev); err != nil {
				c.logger.Warn("voice session rejected", "call_id", ev.Start.CallSid, "error", err)
				return callOutcomeRejected
			}
		case telephony.EventMedia:
			if done := c.media(ctx, ev); done {
				return callOutcomeDisconnected
			}
		case telephony.EventStop:
			return callOutcomeCompleted
		case telephony.EventMark:
			if ev.Mark != nil {
				c.logger.Debug("playback mark", "call_id", c.callID, "name", ev.Mark.Name)
			}
		default:
			// connected and carrier extensions carry nothing the bridge needs.
		}
	}
}

func (c *callStream) start(ctx context.Context, ev telephony.Event) error {
	c.callID = ev.Start.CallSid
	c.streamSid = ev.StreamSid
	actor := principal.ResolveCaller(ev.Start.From, c.h.Config.TrustedNumbers)

	streamSid := c.streamSid
	sink := func(pcm []byte) error {
		return c.writer.SendMedia(streamSid, pcm)
	}
	sess, err := c.h.Sessions.Start(ctx, c.callID, actor, sink)
	if err != nil {
		// The registry holds no entry for a call that failed to start.
		c.callID = ""
		return err
	}
	c.sess = sess
	_ = c.conn.SetReadDeadline(time.Time{})
	c.logger.Info("media stream started", "call_id", c.callID, "stream_sid", streamSid, "actor", actor.Kind)

	go c.watch(ctx, sess)
	return nil
}

// watch hangs up the stream when the voice session ends on its own, for
// example after reconnects are exhausted.
func (c *callStream) watch(ctx context.Context, sess *session.Session) {
	select {
	case <-ctx.Done():
		return
	case <-sess.Done():
	}
	_ = c.writer.SendControl(ctx, telephony.NewClear(c.streamSid))
	c.shutdown()
}

// media forwards caller audio. It reports true once the session has ended.
func (c *callStream) media(ctx context.Context, ev telephony.Event) bool {
	if c.sess == nil {
		c.dropped("no_session")
		return false
	}
	if ev.Media.Track != "" && ev.Media.Track != "inbound" {
		return false
	}
	pcm, err := ev.Media.PCM()
	if err != nil {
		c.dropped("telephony_payload")
		return false
	}
	if err := c.sess.SendAudio(ctx, pcm); err != nil {
		if c.sessionEnded() {
			return true
		}
		// Reconnect in progress; caller audio during the gap is lost.
		c.dropped("not_connected")
	}
	return false
}

func (c *callStream) sessionEnded() bool {
	if c.sess == nil {
		return false
	}
	select {
	case <-c.sess.Done():
		return true
	default:
		return false
	}
}

func (c *callStream) dropped(reason string) {
	if c.h.Recorder != nil {
		c.h.Recorder.DroppedFrame(reason)
	}
}

func (h TelephonyHandler) recordRateLimit() {
	if h.Recorder != nil {
		h.Recorder.RecordRateLimit("call")
	}
}

func (h TelephonyHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

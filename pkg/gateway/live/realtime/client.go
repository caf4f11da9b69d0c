// Package realtime dials the conversational engine's realtime WebSocket
// endpoint and exchanges protocol frames over it.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-bridge/pkg/gateway/live/protocol"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	maxFrameBytes           = 8 << 20
)

type Config struct {
	URL              string
	APIKey           string
	Model            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("realtime api key is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if _, err := buildURL(cfg.URL, cfg.Model); err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// Dial opens one conversation link. The caller owns the returned Conn and
// must Close it.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	wsURL, err := buildURL(c.cfg.URL, c.cfg.Model)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime endpoint: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &Conn{conn: conn, writeTimeout: c.cfg.WriteTimeout}, nil
}

func buildURL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	if model = strings.TrimSpace(model); model != "" {
		q := u.Query()
		if q.Get("model") == "" {
			q.Set("model", model)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type Conn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

var ErrClosed = errors.New("realtime link closed")

// Send writes msgs back to back under the write lock so no other frame can
// land between them.
func (c *Conn) Send(ctx context.Context, msgs ...any) error {
	if c == nil {
		return ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks for the next frame. Transport failures, including close
// frames, are returned unwrapped so callers can inspect *websocket.CloseError.
// A frame that fails to decode yields a *protocol.DecodeError and the link
// stays usable.
func (c *Conn) Receive(ctx context.Context) (protocol.ServerEvent, error) {
	if c == nil {
		return nil, ErrClosed
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return protocol.DecodeServerEvent(data)
	}
}

func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

const (
	ApprovalsDriverMemory   = "memory"
	ApprovalsDriverSQLite   = "sqlite"
	ApprovalsDriverPostgres = "postgres"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, approver identity may be derived from proxy headers like X-Forwarded-For.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Realtime engine link.
	RealtimeURL        string
	RealtimeAPIKey     string
	RealtimeModel      string
	Voice              string
	Instructions       string
	TranscriptionModel string
	VADThreshold       float64
	VADPrefixPaddingMS int
	VADSilenceMS       int
	HandshakeTimeout   time.Duration
	WSWriteTimeout     time.Duration
	WSPingInterval     time.Duration

	// Dual confirmation and reconnect policy.
	ConfirmationPhrases  []string
	AutoExecuteHighRisk  bool
	MaxReconnectAttempts int
	ReconnectBackoffUnit time.Duration
	PollInterval         time.Duration
	IdlePollInterval     time.Duration
	ToolTimeout          time.Duration

	// Telephony.
	TrustedNumbers    []string
	MaxSessions       int
	MaxStreamMsgBytes int64

	// Actions and approvals.
	ActionsFile     string
	ApprovalsDriver string
	ApprovalsDSN    string
	TavilyAPIKey    string
	TavilyBaseURL   string

	// WebhookAllowPrivate lets action HTTP reach loopback and private
	// addresses. Off unless action webhooks run on an internal network.
	WebhookAllowPrivate bool

	// In-memory limits (per principal) for the approvals API.
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxCallsPerPrincipal  int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration

	LogLevel  string
	LogFormat string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VAI_BRIDGE_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("VAI_BRIDGE_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("VAI_BRIDGE_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("VAI_BRIDGE_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:         make(map[string]struct{}),
		RealtimeURL:                envOr("VAI_BRIDGE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeAPIKey:             envOr("VAI_BRIDGE_REALTIME_API_KEY", ""),
		RealtimeModel:              envOr("VAI_BRIDGE_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		Voice:                      envOr("VAI_BRIDGE_VOICE", "alloy"),
		Instructions:               envOr("VAI_BRIDGE_INSTRUCTIONS", ""),
		TranscriptionModel:         envOr("VAI_BRIDGE_TRANSCRIPTION_MODEL", "whisper-1"),
		VADThreshold:               envFloat64Or("VAI_BRIDGE_VAD_THRESHOLD", 0.5),
		VADPrefixPaddingMS:         envIntOr("VAI_BRIDGE_VAD_PREFIX_PADDING_MS", 300),
		VADSilenceMS:               envIntOr("VAI_BRIDGE_VAD_SILENCE_MS", 500),
		HandshakeTimeout:           envDurationOr("VAI_BRIDGE_HANDSHAKE_TIMEOUT", 10*time.Second),
		WSWriteTimeout:             envDurationOr("VAI_BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:             envDurationOr("VAI_BRIDGE_WS_PING_INTERVAL", 20*time.Second),
		ConfirmationPhrases:        splitCSV(envOr("VAI_BRIDGE_CONFIRMATION_PHRASES", "confirm,approve,yes")),
		AutoExecuteHighRisk:        envBoolOr("VAI_BRIDGE_AUTO_EXECUTE_HIGH_RISK", false),
		MaxReconnectAttempts:       envIntOr("VAI_BRIDGE_MAX_RECONNECT_ATTEMPTS", 3),
		ReconnectBackoffUnit:       envDurationOr("VAI_BRIDGE_RECONNECT_BACKOFF_UNIT", time.Second),
		PollInterval:               envDurationOr("VAI_BRIDGE_POLL_INTERVAL", time.Second),
		IdlePollInterval:           envDurationOr("VAI_BRIDGE_IDLE_POLL_INTERVAL", 2*time.Second),
		ToolTimeout:                envDurationOr("VAI_BRIDGE_TOOL_TIMEOUT", 30*time.Second),
		TrustedNumbers:             splitCSV(os.Getenv("VAI_BRIDGE_TRUSTED_NUMBERS")),
		MaxSessions:                envIntOr("VAI_BRIDGE_MAX_SESSIONS", 0),
		MaxStreamMsgBytes:          envInt64Or("VAI_BRIDGE_MAX_STREAM_MESSAGE_BYTES", 64*1024),
		ActionsFile:                envOr("VAI_BRIDGE_ACTIONS_FILE", ""),
		ApprovalsDriver:            strings.ToLower(envOr("VAI_BRIDGE_APPROVALS_DRIVER", ApprovalsDriverMemory)),
		ApprovalsDSN:               envOr("VAI_BRIDGE_APPROVALS_DSN", ""),
		TavilyAPIKey:               envOr("VAI_BRIDGE_TAVILY_API_KEY", ""),
		TavilyBaseURL:              envOr("VAI_BRIDGE_TAVILY_BASE_URL", "https://api.tavily.com"),
		WebhookAllowPrivate:        envBoolOr("VAI_BRIDGE_WEBHOOK_ALLOW_PRIVATE", false),
		LimitRPS:                   envFloat64Or("VAI_BRIDGE_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("VAI_BRIDGE_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("VAI_BRIDGE_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxCallsPerPrincipal:  envIntOr("VAI_BRIDGE_MAX_CALLS_PER_PRINCIPAL", 0),
		ReadHeaderTimeout:          envDurationOr("VAI_BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		HandlerTimeout:             envDurationOr("VAI_BRIDGE_HANDLER_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("VAI_BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		LogLevel:                   strings.ToLower(envOr("VAI_BRIDGE_LOG_LEVEL", "info")),
		LogFormat:                  strings.ToLower(envOr("VAI_BRIDGE_LOG_FORMAT", "text")),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VAI_BRIDGE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VAI_BRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_BODY_BYTES must be > 0")
	}

	u, err := url.Parse(cfg.RealtimeURL)
	if err != nil || u.Host == "" {
		return Config{}, fmt.Errorf("VAI_BRIDGE_REALTIME_URL must be an absolute URL")
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_REALTIME_URL must use ws, wss, http or https")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("VAI_BRIDGE_REALTIME_MODEL must not be empty")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_VAD_THRESHOLD must be in (0, 1]")
	}
	if cfg.VADPrefixPaddingMS < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_VAD_PREFIX_PADDING_MS must be >= 0")
	}
	if cfg.VADSilenceMS <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_VAD_SILENCE_MS must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_WS_PING_INTERVAL must be > 0")
	}

	if len(cfg.ConfirmationPhrases) == 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_CONFIRMATION_PHRASES must list at least one phrase")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if cfg.ReconnectBackoffUnit <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_RECONNECT_BACKOFF_UNIT must be > 0")
	}
	if cfg.PollInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_POLL_INTERVAL must be > 0")
	}
	if cfg.IdlePollInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_IDLE_POLL_INTERVAL must be > 0")
	}
	if cfg.PollInterval > cfg.IdlePollInterval {
		return Config{}, fmt.Errorf("VAI_BRIDGE_POLL_INTERVAL must be <= VAI_BRIDGE_IDLE_POLL_INTERVAL")
	}
	if cfg.ToolTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_TOOL_TIMEOUT must be > 0")
	}

	if cfg.MaxSessions < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_SESSIONS must be >= 0")
	}
	if cfg.MaxStreamMsgBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_STREAM_MESSAGE_BYTES must be > 0")
	}

	switch cfg.ApprovalsDriver {
	case ApprovalsDriverMemory:
	case ApprovalsDriverSQLite, ApprovalsDriverPostgres:
		if cfg.ApprovalsDSN == "" {
			return Config{}, fmt.Errorf("VAI_BRIDGE_APPROVALS_DSN must be set when VAI_BRIDGE_APPROVALS_DRIVER=%s", cfg.ApprovalsDriver)
		}
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_APPROVALS_DRIVER must be one of memory|sqlite|postgres")
	}
	if strings.TrimSpace(cfg.TavilyBaseURL) == "" {
		return Config{}, fmt.Errorf("VAI_BRIDGE_TAVILY_BASE_URL must not be empty")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxCallsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_MAX_CALLS_PER_PRINCIPAL must be >= 0")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_HANDLER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("VAI_BRIDGE_LOG_FORMAT must be text or json")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_BRIDGE_API_KEYS must be set when VAI_BRIDGE_AUTH_MODE=required")
	}

	return cfg, nil
}

// ValidateRealtime reports whether the engine link can be dialed. Commands
// that never open a call (migrate, approvals) skip it.
func (c Config) ValidateRealtime() error {
	if strings.TrimSpace(c.RealtimeAPIKey) == "" {
		return fmt.Errorf("VAI_BRIDGE_REALTIME_API_KEY must be set")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

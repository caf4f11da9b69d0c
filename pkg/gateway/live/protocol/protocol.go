package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Client (bridge -> engine) message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeInputAudioAppend  = "input_audio_buffer.append"
	TypeInputAudioCommit  = "input_audio_buffer.commit"
	TypeSubmitToolOutputs = "conversation.item.required_action.submit_tool_outputs"
	TypeResponseCreate    = "response.create"
)

// Server (engine -> bridge) event types.
const (
	TypeTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	TypeAudioDelta             = "response.audio.delta"
	TypeRequiresAction         = "conversation.item.requires_action"
	TypeError                  = "error"
)

const (
	AudioFormatPCM16    = "pcm16"
	TurnDetectionServer = "server_vad"
	ToolTypeFunction    = "function"
)

// DecodeError reports a frame that could not be decoded into a ServerEvent.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badEvent(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_event", Message: message, Param: param}
}

// TurnDetection configures the engine's server-side VAD.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type InputAudioTranscription struct {
	Model string `json:"model"`
}

// Tool is a callable action schema advertised to the engine.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionConfig is the session object carried by session.update.
type SessionConfig struct {
	Modalities              []string                 `json:"modalities"`
	Instructions            string                   `json:"instructions,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   []Tool                   `json:"tools"`
}

// SessionUpdate is the first message sent on every new link.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// InputAudioBufferAppend carries base64 PCM16 at 24 kHz.
type InputAudioBufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// InputAudioBufferCommit always follows an append in the same write.
type InputAudioBufferCommit struct {
	Type string `json:"type"`
}

// ToolOutput is the JSON-encoded result or error for one tool call.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// SubmitToolOutputs answers a requires-action item. All outputs produced by
// one event go in a single message.
type SubmitToolOutputs struct {
	Type        string       `json:"type"`
	ItemID      string       `json:"item_id"`
	ToolOutputs []ToolOutput `json:"tool_outputs"`
}

type ResponseConfig struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions"`
}

// ResponseCreate asks the engine to speak, e.g. a confirmation prompt.
type ResponseCreate struct {
	Type     string         `json:"type"`
	Response ResponseConfig `json:"response"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	if cfg.Tools == nil {
		cfg.Tools = []Tool{}
	}
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

func NewAudioAppend(audioB64 string) InputAudioBufferAppend {
	return InputAudioBufferAppend{Type: TypeInputAudioAppend, Audio: audioB64}
}

func NewAudioCommit() InputAudioBufferCommit {
	return InputAudioBufferCommit{Type: TypeInputAudioCommit}
}

func NewSubmitToolOutputs(itemID string, outputs []ToolOutput) SubmitToolOutputs {
	return SubmitToolOutputs{Type: TypeSubmitToolOutputs, ItemID: itemID, ToolOutputs: outputs}
}

func NewResponseCreate(modalities []string, instructions string) ResponseCreate {
	return ResponseCreate{
		Type:     TypeResponseCreate,
		Response: ResponseConfig{Modalities: modalities, Instructions: instructions},
	}
}

// ServerEvent is the closed set of engine events the bridge understands.
// Events the bridge does not act on decode to UnknownEvent.
type ServerEvent interface {
	EventType() string
	serverEvent()
}

// TranscriptionCompleted carries the final transcript of a caller utterance.
type TranscriptionCompleted struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript"`
}

func (TranscriptionCompleted) EventType() string { return TypeTranscriptionCompleted }
func (TranscriptionCompleted) serverEvent()      {}

// AudioDelta carries a base64 chunk of 24 kHz PCM16 engine speech.
type AudioDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

func (AudioDelta) EventType() string { return TypeAudioDelta }
func (AudioDelta) serverEvent()      {}

// ToolCall is one action the engine wants to run.
type ToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Arguments decodes the call parameters. Engines send either a JSON object or
// a JSON string holding an encoded object; both are accepted.
func (c ToolCall) Arguments() (map[string]any, error) {
	raw := bytes.TrimSpace(c.Parameters)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("decode tool parameters: %w", err)
		}
		raw = bytes.TrimSpace([]byte(encoded))
		if len(raw) == 0 {
			return map[string]any{}, nil
		}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tool parameters: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

type SubmitToolOutputsAction struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

type RequiredAction struct {
	SubmitToolOutputs SubmitToolOutputsAction `json:"submit_tool_outputs"`
}

type RequiresActionItem struct {
	ID             string         `json:"id"`
	RequiredAction RequiredAction `json:"required_action"`
}

// RequiresAction asks the bridge to run tool calls and submit their outputs
// against Item.ID.
type RequiresAction struct {
	Type string             `json:"type"`
	Item RequiresActionItem `json:"item"`
}

func (RequiresAction) EventType() string { return TypeRequiresAction }
func (RequiresAction) serverEvent()      {}

func (e RequiresAction) ToolCalls() []ToolCall {
	return e.Item.RequiredAction.SubmitToolOutputs.ToolCalls
}

// ErrorCode accepts both numeric and string codes.
type ErrorCode string

func (c *ErrorCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ErrorCode(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*c = ErrorCode(n.String())
	return nil
}

type ErrorDetail struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Code    ErrorCode `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
}

// Symbolic errors that fail the same way on every reconnect. A bare
// invalid_request_error is not among them: the engine uses it for per-message
// faults such as committing an empty audio buffer.
var (
	clientErrorTypes = map[string]bool{
		"authentication_error": true,
		"permission_error":     true,
	}
	clientErrorCodes = map[ErrorCode]bool{
		"invalid_api_key":    true,
		"insufficient_quota": true,
		"model_not_found":    true,
	}
)

// IsClientError reports whether the error is in the 4xx class: a numeric
// 4xx code, or an authentication, permission, key, quota or model failure.
func (d ErrorDetail) IsClientError() bool {
	if n, err := strconv.Atoi(strings.TrimSpace(string(d.Code))); err == nil {
		return n >= 400 && n < 500
	}
	if clientErrorCodes[ErrorCode(strings.ToLower(string(d.Code)))] {
		return true
	}
	return clientErrorTypes[strings.ToLower(strings.TrimSpace(d.Type))]
}

// ErrorEvent is an engine-reported failure. See ErrorDetail.IsClientError.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

func (ErrorEvent) EventType() string { return TypeError }
func (ErrorEvent) serverEvent()      {}

// UnknownEvent is any event type the bridge does not act on.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) EventType() string { return e.Type }
func (UnknownEvent) serverEvent()        {}

// DecodeServerEvent decodes one text frame. Unrecognised types become
// UnknownEvent; malformed frames return a *DecodeError.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badEvent("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badEvent("missing type", "type")
	}

	switch typ {
	case TypeTranscriptionCompleted:
		var ev TranscriptionCompleted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid transcription event", "")
		}
		return ev, nil
	case TypeAudioDelta:
		var ev AudioDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid audio delta", "")
		}
		return ev, nil
	case TypeRequiresAction:
		var ev RequiresAction
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid requires_action event", "")
		}
		if strings.TrimSpace(ev.Item.ID) == "" {
			return nil, badEvent("requires_action.item.id is required", "item.id")
		}
		return ev, nil
	case TypeError:
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badEvent("invalid error event", "")
		}
		return ev, nil
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownEvent{Type: typ, Raw: raw}, nil
	}
}

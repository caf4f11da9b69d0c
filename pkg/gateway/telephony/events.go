// Package telephony speaks the carrier media-stream protocol: JSON text
// frames carrying base64 PCM16 audio at 8 kHz.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

type StartInfo struct {
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid,omitempty"`
	From             string            `json:"from,omitempty"`
	To               string            `json:"to,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// PCM decodes the payload into little-endian PCM16 bytes.
func (m Media) PCM() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("media payload has odd length %d", len(raw))
	}
	return raw, nil
}

type StopInfo struct {
	CallSid string `json:"callSid,omitempty"`
}

type Mark struct {
	Name string `json:"name"`
}

// Event is one inbound frame. Only the field matching Event is set.
type Event struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSid      string     `json:"streamSid,omitempty"`
	Protocol       string     `json:"protocol,omitempty"`
	Start          *StartInfo `json:"start,omitempty"`
	Media          *Media     `json:"media,omitempty"`
	Stop           *StopInfo  `json:"stop,omitempty"`
	Mark           *Mark      `json:"mark,omitempty"`
}

// DecodeEvent parses a text frame and checks that the payload required by
// its event type is present.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("invalid media stream frame: %w", err)
	}
	ev.Event = strings.TrimSpace(ev.Event)
	switch ev.Event {
	case "":
		return Event{}, fmt.Errorf("media stream frame is missing event")
	case EventStart:
		if ev.Start == nil || strings.TrimSpace(ev.Start.CallSid) == "" {
			return Event{}, fmt.Errorf("start event is missing callSid")
		}
		if ev.StreamSid == "" {
			ev.StreamSid = ev.Start.StreamSid
		}
	case EventMedia:
		if ev.Media == nil {
			return Event{}, fmt.Errorf("media event is missing media")
		}
	}
	return ev, nil
}

// OutboundMedia carries caller-bound audio.
type OutboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func NewOutboundMedia(streamSid string, pcm []byte) OutboundMedia {
	out := OutboundMedia{Event: EventMedia, StreamSid: streamSid}
	out.Media.Payload = base64.StdEncoding.EncodeToString(pcm)
	return out
}

// Control is an outbound mark or clear event.
type Control struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      *Mark  `json:"mark,omitempty"`
}

// NewClear asks the carrier to discard audio it has buffered for playback.
func NewClear(streamSid string) Control {
	return Control{Event: EventClear, StreamSid: streamSid}
}

func NewMark(streamSid, name string) Control {
	return Control{Event: EventMark, StreamSid: streamSid, Mark: &Mark{Name: name}}
}

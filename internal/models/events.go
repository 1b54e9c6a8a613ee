package models

import (
	"encoding/json"
	"fmt"
)

// EventType identifies an inbound realtime event.
type EventType string

const (
	EventMessage  EventType = "message"
	EventTyping   EventType = "typing"
	EventPresence EventType = "presence"
)

// Envelope is the wire shape of every inbound channel event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is a decoded inbound event; exactly one field is non-nil.
type Event struct {
	Type     EventType
	Message  *Message
	Typing   *TypingSignal
	Presence *PresenceRecord
}

// DecodeEvent parses an inbound envelope. A payload that does not match
// the expected shape yields an error; callers drop the event rather than
// letting it reach the controllers half-applied.
func DecodeEvent(raw []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	ev := &Event{Type: env.Type}
	switch env.Type {
	case EventMessage:
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decoding message payload: %w", err)
		}
		if msg.ID == "" || msg.ConversationID == "" || msg.SenderID == "" {
			return nil, fmt.Errorf("message payload missing required ids")
		}
		if msg.Kind == "" {
			msg.Kind = KindText
		}
		if msg.DeliveryState == "" {
			msg.DeliveryState = DeliverySent
		}
		ev.Message = &msg
	case EventTyping:
		var sig TypingSignal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			return nil, fmt.Errorf("decoding typing payload: %w", err)
		}
		if sig.ConversationID == "" || sig.UserID == "" {
			return nil, fmt.Errorf("typing payload missing required ids")
		}
		ev.Typing = &sig
	case EventPresence:
		var rec PresenceRecord
		if err := json.Unmarshal(env.Payload, &rec); err != nil {
			return nil, fmt.Errorf("decoding presence payload: %w", err)
		}
		if rec.UserID == "" {
			return nil, fmt.Errorf("presence payload missing user id")
		}
		ev.Presence = &rec
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}

	return ev, nil
}

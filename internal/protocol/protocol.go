// Package protocol implements the versioned JSON control envelope used on
// the WebSocket message bus.
//
// A wire message is a JSON object with fields "version", "type",
// "request_id" (optional), "timestamp" (RFC 3339 UTC), and "payload". Each
// message type declares a required payload-field set; extra payload fields
// are accepted and forwarded so newer peers can extend the protocol without
// breaking older ones. The codec performs no I/O.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the current control protocol version.
const Version = "0.1"

// -------------------------------------------------------------------------
// Message Types
// -------------------------------------------------------------------------

// MessageType identifies a control message.
type MessageType string

// Control message types.
const (
	TypeDiscoveryPing   MessageType = "DISCOVERY_PING"
	TypeDiscoveryOffer  MessageType = "DISCOVERY_OFFER"
	TypePairingRequest  MessageType = "PAIRING_REQUEST"
	TypePairingOffer    MessageType = "PAIRING_OFFER"
	TypePairingConfirm  MessageType = "PAIRING_CONFIRM"
	TypePairingDecline  MessageType = "PAIRING_DECLINE"
	TypePairingAccept   MessageType = "PAIRING_ACCEPT"
	TypeSessionUpdate   MessageType = "SESSION_UPDATE"
	TypeTransferRequest MessageType = "TRANSFER_REQUEST"
	TypeTransferOffer   MessageType = "TRANSFER_OFFER"
	TypeTransferStatus  MessageType = "TRANSFER_STATUS"
)

// policyFields is the shared required set for messages that carry a full
// permission policy.
var policyFields = []string{
	"mode",
	"approval_required",
	"conflict_rule",
	"allow_browse",
	"allow_requests",
	"allow_edits",
	"edit_mode",
	"allow_client_share",
}

// schemas maps each message type to its required payload fields.
var schemas = map[MessageType][]string{
	TypeDiscoveryPing:   {"device_id", "name", "capabilities"},
	TypeDiscoveryOffer:  {"device_id", "name", "ip", "capabilities"},
	TypePairingRequest:  {"device_id", "pair_code"},
	TypePairingOffer:    append([]string{"session_id", "host_id", "host_name", "host_ip"}, policyFields...),
	TypePairingConfirm:  {"session_id", "device_id"},
	TypePairingDecline:  {"session_id", "device_id"},
	TypePairingAccept:   {"session_id", "device_id", "session_token"},
	TypeSessionUpdate:   append([]string{"session_id", "status"}, policyFields...),
	TypeTransferRequest: {"session_id", "path", "direction", "size"},
	TypeTransferOffer:   {"session_id", "job_id", "filename", "size", "host", "port"},
	TypeTransferStatus:  {"job_id", "status", "progress", "checksum"},
}

// RequiredFields returns the required payload fields for the given type, or
// false if the type is unknown.
func RequiredFields(t MessageType) ([]string, bool) {
	fields, ok := schemas[t]
	return fields, ok
}

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for codec failures. All are wrapped with context via
// fmt.Errorf("...: %w", ...); match with errors.Is.
var (
	// ErrInvalidJSON indicates the outer frame is not well-formed JSON.
	ErrInvalidJSON = errors.New("invalid JSON payload")

	// ErrMissingField indicates a required envelope field is absent.
	ErrMissingField = errors.New("missing required field")

	// ErrUnknownType indicates an unrecognized message type.
	ErrUnknownType = errors.New("unknown message type")

	// ErrPayloadNotObject indicates the payload is not a JSON object.
	ErrPayloadNotObject = errors.New("payload must be an object")

	// ErrPayloadMissingFields indicates required payload fields are absent.
	ErrPayloadMissingFields = errors.New("payload missing required fields")
)

// -------------------------------------------------------------------------
// Envelope
// -------------------------------------------------------------------------

// Message is a decoded control envelope.
type Message struct {
	// Version is the protocol version carried on the wire.
	Version string

	// Type is the message type.
	Type MessageType

	// RequestID correlates a response to a request; empty if unset.
	RequestID string

	// Timestamp is the sender's RFC 3339 UTC timestamp, verbatim.
	Timestamp string

	// Payload carries the type-specific fields, including any extras the
	// schema does not name.
	Payload map[string]any
}

// envelope is the wire representation. RequestID is a pointer so an unset
// id round-trips as JSON null.
type envelope struct {
	Version   string          `json:"version"`
	Type      MessageType     `json:"type"`
	RequestID *string         `json:"request_id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode validates and serializes a message of the given type. The request
// id may be empty. Returns the UTF-8 JSON text frame.
func Encode(t MessageType, payload map[string]any, requestID string) ([]byte, error) {
	if _, ok := schemas[t]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if err := validatePayload(t, payload); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", t, err)
	}

	var rid *string
	if requestID != "" {
		rid = &requestID
	}

	frame, err := json.Marshal(envelope{
		Version:   Version,
		Type:      t,
		RequestID: rid,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope for %s: %w", t, err)
	}
	return frame, nil
}

// Decode parses and validates a raw text frame. The frame must carry the
// envelope fields version, type, timestamp, and payload; the payload must be
// an object containing at least the type's required fields.
func Decode(raw []byte) (Message, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	for _, key := range []string{"version", "type", "timestamp", "payload"} {
		if _, ok := outer[key]; !ok {
			return Message{}, fmt.Errorf("%w: %s", ErrMissingField, key)
		}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	if _, ok := schemas[env.Type]; !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}

	payload := make(map[string]any)
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return Message{}, ErrPayloadNotObject
	}
	if err := validatePayload(env.Type, payload); err != nil {
		return Message{}, err
	}

	msg := Message{
		Version:   env.Version,
		Type:      env.Type,
		Timestamp: env.Timestamp,
		Payload:   payload,
	}
	if env.RequestID != nil {
		msg.RequestID = *env.RequestID
	}
	return msg, nil
}

// validatePayload checks that the payload carries every required field for
// the message type.
func validatePayload(t MessageType, payload map[string]any) error {
	var missing []string
	for _, key := range schemas[t] {
		if _, ok := payload[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w for %s: %s", ErrPayloadMissingFields, t, strings.Join(missing, ", "))
	}
	return nil
}

// -------------------------------------------------------------------------
// Payload Accessors
// -------------------------------------------------------------------------

// String returns the payload field as a string, or def if absent or not a
// string.
func (m Message) String(key, def string) string {
	if v, ok := m.Payload[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the payload field as a bool, or def if absent or not a bool.
func (m Message) Bool(key string, def bool) bool {
	if v, ok := m.Payload[key].(bool); ok {
		return v
	}
	return def
}

// Int64 returns the payload field as an int64. JSON numbers decode as
// float64; string digits are also accepted since some peers stringify sizes.
func (m Message) Int64(key string, def int64) int64 {
	switch v := m.Payload[key].(type) {
	case float64:
		return int64(v)
	case string:
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n
		}
	}
	return def
}

// Float64 returns the payload field as a float64, or def if absent or not a
// number.
func (m Message) Float64(key string, def float64) float64 {
	if v, ok := m.Payload[key].(float64); ok {
		return v
	}
	return def
}

// Strings returns the payload field as a string slice. Accepts either a
// JSON array of strings or a comma-joined string (the mDNS TXT form).
func (m Message) Strings(key string) []string {
	switch v := m.Payload[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}

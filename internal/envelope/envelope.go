// Package envelope defines the standardized message container carried
// on every managed MQTT topic. All services wrap their payloads in an
// Envelope so that routing, correlation, expiry, and retry bookkeeping
// work the same way across the workcell.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire protocol version tag stamped on every
// envelope created by this process.
const ProtocolVersion = "v1"

// MessageType classifies the intent of an envelope.
type MessageType string

const (
	TypeCommand      MessageType = "Command"
	TypeEvent        MessageType = "Event"
	TypeRequest      MessageType = "Request"
	TypeResponse     MessageType = "Response"
	TypeQuery        MessageType = "Query"
	TypeNotification MessageType = "Notification"
	TypeHeartbeat    MessageType = "Heartbeat"
)

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeCommand, TypeEvent, TypeRequest, TypeResponse,
		TypeQuery, TypeNotification, TypeHeartbeat:
		return true
	}
	return false
}

// Priority orders envelopes for consumers that care. Most do not;
// Normal is the default.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// ServiceInfo identifies the sending or receiving service.
type ServiceInfo struct {
	Name        string `json:"name"`
	Instance    string `json:"instance,omitempty"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Envelope is the versioned container for every bus message. Field
// names are camelCase on the wire; timestamps are RFC3339 UTC with
// millisecond precision.
type Envelope struct {
	MessageID     string         `json:"messageId"`
	Version       string         `json:"version"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        ServiceInfo    `json:"source"`
	Target        *ServiceInfo   `json:"target,omitempty"`
	Type          MessageType    `json:"type"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Data          any            `json:"data,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	// Headers duplicates string-valued metadata for legacy consumers
	// that cannot parse arbitrary JSON values.
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
	RetryCount int               `json:"retryCount,omitempty"`
	MaxRetries int               `json:"maxRetries,omitempty"`
}

// New creates an envelope with a fresh message id and the current UTC
// time truncated to millisecond precision. Message ids are UUIDv7 so
// they sort by creation time; uniqueness within a process lifetime is
// guaranteed by the generator.
func New(msgType MessageType, priority Priority, source ServiceInfo, data any) *Envelope {
	if priority == "" {
		priority = PriorityNormal
	}
	return &Envelope{
		MessageID: newMessageID(),
		Version:   ProtocolVersion,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Source:    source,
		Type:      msgType,
		Priority:  priority,
		Data:      data,
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// WithCorrelation sets the correlation id and returns the envelope for
// chaining at publish sites.
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// WithTarget addresses the envelope at a specific service. Receivers
// whose service name differs may ignore it.
func (e *Envelope) WithTarget(target ServiceInfo) *Envelope {
	e.Target = &target
	return e
}

// Expired reports whether the envelope's expiresAt is in the past.
// Envelopes without an expiry never expire.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Marshal serializes the envelope as UTF-8 JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope, rejecting payloads that lack the
// required messageId, type, or timestamp fields or carry an unknown
// message type. Unknown fields are tolerated.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.MessageID == "" {
		return nil, fmt.Errorf("decode envelope: missing messageId")
	}
	if e.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("decode envelope: unknown type %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return nil, fmt.Errorf("decode envelope: missing timestamp")
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.Version == "" {
		e.Version = ProtocolVersion
	}
	return &e, nil
}

// DecodeData re-marshals the envelope's data field into a typed
// payload. Data arrives as map[string]any after Unmarshal; this is the
// bridge from the open container to a concrete struct.
func (e *Envelope) DecodeData(v any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode envelope data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}

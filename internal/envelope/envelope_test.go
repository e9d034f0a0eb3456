package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func testSource() ServiceInfo {
	return ServiceInfo{
		Name:        "SchedulerService",
		Instance:    "sched-1",
		Version:     "1.0.0",
		Environment: "Production",
	}
}

func TestNewDefaults(t *testing.T) {
	e := New(TypeEvent, "", testSource(), nil)

	if e.MessageID == "" {
		t.Error("New() produced empty messageId")
	}
	if e.Version != ProtocolVersion {
		t.Errorf("version = %q, want %q", e.Version, ProtocolVersion)
	}
	if e.Priority != PriorityNormal {
		t.Errorf("priority = %q, want %q (default)", e.Priority, PriorityNormal)
	}
	if e.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %v", e.Timestamp.Location())
	}
	if e.Timestamp.Nanosecond()%int(time.Millisecond) != 0 {
		t.Errorf("timestamp %v not truncated to milliseconds", e.Timestamp)
	}
}

func TestMessageIDUniqueness(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		e := New(TypeCommand, PriorityNormal, testSource(), nil)
		if seen[e.MessageID] {
			t.Fatalf("duplicate messageId %q after %d envelopes", e.MessageID, i)
		}
		seen[e.MessageID] = true
	}
}

func TestRoundTrip(t *testing.T) {
	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	e := New(TypeRequest, PriorityHigh, testSource(), map[string]any{"direction": "out"})
	e.WithCorrelation("task-42").WithTarget(ServiceInfo{Name: "VisionService"})
	e.Metadata = map[string]any{"attempt": float64(1)}
	e.Headers = map[string]string{"traceId": "abc"}
	e.ExpiresAt = &expires
	e.RetryCount = 2
	e.MaxRetries = 3

	raw, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}

	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal(): %v", err)
	}

	if got.MessageID != e.MessageID {
		t.Errorf("messageId = %q, want %q", got.MessageID, e.MessageID)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, e.Timestamp)
	}
	if got.Type != TypeRequest || got.Priority != PriorityHigh {
		t.Errorf("type/priority = %q/%q, want Request/High", got.Type, got.Priority)
	}
	if got.CorrelationID != "task-42" {
		t.Errorf("correlationId = %q, want task-42", got.CorrelationID)
	}
	if got.Target == nil || got.Target.Name != "VisionService" {
		t.Errorf("target = %+v, want VisionService", got.Target)
	}
	if got.Source != e.Source {
		t.Errorf("source = %+v, want %+v", got.Source, e.Source)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("expiresAt = %v, want %v", got.ExpiresAt, expires)
	}
	if got.RetryCount != 2 || got.MaxRetries != 3 {
		t.Errorf("retry counters = %d/%d, want 2/3", got.RetryCount, got.MaxRetries)
	}
	if got.Headers["traceId"] != "abc" {
		t.Errorf("headers = %v, want traceId=abc", got.Headers)
	}
}

func TestStableSerialization(t *testing.T) {
	e := New(TypeEvent, PriorityNormal, testSource(), map[string]any{"k": "v"})

	a, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}
	b, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("serialization not stable:\n%s\n%s", a, b)
	}
}

func TestWireFieldNames(t *testing.T) {
	e := New(TypeHeartbeat, PriorityLow, testSource(), nil)
	e.WithCorrelation("c-1")

	raw, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}

	for _, field := range []string{`"messageId"`, `"version"`, `"timestamp"`, `"type"`, `"priority"`, `"correlationId"`, `"source"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("wire JSON missing %s: %s", field, raw)
		}
	}
}

func TestUnmarshalRejectsMissingRequired(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"missing messageId", `{"type":"Event","timestamp":"2026-01-02T03:04:05.000Z"}`},
		{"missing type", `{"messageId":"m1","timestamp":"2026-01-02T03:04:05.000Z"}`},
		{"missing timestamp", `{"messageId":"m1","type":"Event"}`},
		{"unknown type", `{"messageId":"m1","type":"Bogus","timestamp":"2026-01-02T03:04:05.000Z"}`},
		{"ill-typed timestamp", `{"messageId":"m1","type":"Event","timestamp":12345}`},
		{"not json", `{{{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unmarshal([]byte(tt.json)); err == nil {
				t.Errorf("Unmarshal(%s) succeeded, want error", tt.json)
			}
		})
	}
}

func TestUnmarshalToleratesUnknownFields(t *testing.T) {
	raw := `{"messageId":"m1","type":"Event","timestamp":"2026-01-02T03:04:05.000Z","futureField":{"nested":true}}`
	e, err := Unmarshal([]byte(raw))
	if err != nil {
		t.Fatalf("Unmarshal() with unknown field: %v", err)
	}
	if e.Priority != PriorityNormal {
		t.Errorf("priority = %q, want Normal default", e.Priority)
	}
	if e.Version != ProtocolVersion {
		t.Errorf("version = %q, want %q default", e.Version, ProtocolVersion)
	}
}

func TestExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	e := New(TypeEvent, PriorityNormal, testSource(), nil)
	if e.Expired(now) {
		t.Error("envelope without expiresAt reported expired")
	}
	e.ExpiresAt = &future
	if e.Expired(now) {
		t.Error("envelope with future expiresAt reported expired")
	}
	e.ExpiresAt = &past
	if !e.Expired(now) {
		t.Error("envelope with past expiresAt not reported expired")
	}
}

func TestDecodeData(t *testing.T) {
	e := New(TypeCommand, PriorityNormal, testSource(), MotionMove{
		TaskID:     "t-1",
		PositionMM: 123.5,
		Speed:      50,
	})

	raw, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal(): %v", err)
	}

	var move MotionMove
	if err := got.DecodeData(&move); err != nil {
		t.Fatalf("DecodeData(): %v", err)
	}
	if move.TaskID != "t-1" || move.PositionMM != 123.5 || move.Speed != 50 {
		t.Errorf("decoded move = %+v", move)
	}
}

func TestTimestampMillisecondPrecision(t *testing.T) {
	e := New(TypeEvent, PriorityNormal, testSource(), nil)
	raw, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal(): %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("parse wire JSON: %v", err)
	}
	ts := string(wire["timestamp"])
	// RFC3339 with no more than millisecond fraction.
	if strings.Count(ts, ".") == 1 {
		frac := ts[strings.Index(ts, ".")+1:]
		frac = strings.TrimRight(strings.Trim(frac, `"`), "Z")
		if len(frac) > 3 {
			t.Errorf("timestamp fraction longer than milliseconds: %s", ts)
		}
	}
}

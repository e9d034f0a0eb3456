package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// onlineWindow is how recently a source must have heartbeated to be
// reported online.
const onlineWindow = 5 * time.Minute

// SourceLiveness is one entry of the status snapshot's liveness map.
type SourceLiveness struct {
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// DependencyStatus mirrors one dependency watcher entry for the status
// snapshot. The daemon converts from its health manager's type so this
// package stays decoupled from it.
type DependencyStatus struct {
	Ready     bool   `json:"ready"`
	LastCheck string `json:"last_check,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// SystemHandler serves heartbeat bookkeeping, status queries, and
// runtime config updates.
type SystemHandler struct {
	deps        Deps
	level       *slog.LevelVar // nil disables live log-level changes
	depStatus   func() map[string]DependencyStatus
	statusTopic string
	configTopic string
	patterns    []string
}

// NewSystemHandler wires the system topics. level, when non-nil, is
// the process log level that a config update may retune.
func NewSystemHandler(deps Deps, level *slog.LevelVar) *SystemHandler {
	h := &SystemHandler{
		deps:        deps,
		level:       level,
		statusTopic: deps.resolve(topics.KeySystemStatusReq),
		configTopic: deps.resolve(topics.KeySystemConfig),
	}
	h.patterns = []string{
		// Heartbeats from every service, any protocol version.
		"ios/+/status/+/heartbeat",
		h.statusTopic,
		h.configTopic,
	}
	return h
}

// SetDependencyStatus installs the external-dependency health source
// included in status query responses. Call before the handler starts
// receiving traffic.
func (h *SystemHandler) SetDependencyStatus(fn func() map[string]DependencyStatus) {
	h.depStatus = fn
}

func (h *SystemHandler) SupportedTopics() []string { return h.patterns }

func (h *SystemHandler) CanHandle(topic string) bool { return matchAny(h.patterns, topic) }

func (h *SystemHandler) Handle(topic string, payload []byte) {
	env, ok := h.deps.decode(topic, payload)
	if !ok {
		return
	}

	switch topic {
	case h.statusTopic:
		h.onStatusQuery(env)
	case h.configTopic:
		h.onConfigUpdate(env)
	default:
		h.onHeartbeat(env)
	}
}

func (h *SystemHandler) onHeartbeat(env *envelope.Envelope) {
	var hb envelope.Heartbeat
	if err := env.DecodeData(&hb); err != nil {
		h.deps.Logger.Debug("heartbeat payload invalid", "error", err)
		return
	}
	source := hb.Source
	if source == "" {
		source = env.Source.Name
	}
	if source == "" {
		return
	}
	h.deps.States.Set("heartbeat:"+source+":last_seen", time.Now().UTC())
}

// onStatusQuery publishes a snapshot: task counts by state, per-source
// liveness, and process memory counters.
func (h *SystemHandler) onStatusQuery(env *envelope.Envelope) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snapshot := map[string]any{
		"timestamp":   time.Now().UTC(),
		"task_counts": h.taskCounts(),
		"liveness":    h.Liveness(time.Now().UTC()),
		"memory": map[string]any{
			"alloc_bytes":       mem.Alloc,
			"total_alloc_bytes": mem.TotalAlloc,
			"sys_bytes":         mem.Sys,
			"num_gc":            mem.NumGC,
			"goroutines":        runtime.NumGoroutine(),
		},
	}
	if h.depStatus != nil {
		snapshot["dependencies"] = h.depStatus()
	}

	h.deps.Pub.Publish(context.Background(), topics.KeySystemStatusRes, snapshot,
		envelope.PriorityNormal, env.MessageID)
}

// taskCounts aggregates task statuses from the shared store.
func (h *SystemHandler) taskCounts() map[string]int {
	counts := map[string]int{}
	for _, key := range h.deps.States.KeysWithPrefix("task:") {
		if !strings.HasSuffix(key, ":status") {
			continue
		}
		if v, ok := h.deps.States.TryGet(key); ok {
			if status, ok := v.(string); ok {
				counts[status]++
			}
		}
	}
	return counts
}

// Liveness reports every heartbeating source with its online/offline
// classification as of now.
func (h *SystemHandler) Liveness(now time.Time) map[string]SourceLiveness {
	out := map[string]SourceLiveness{}
	for _, key := range h.deps.States.KeysWithPrefix("heartbeat:") {
		if !strings.HasSuffix(key, ":last_seen") {
			continue
		}
		source := strings.TrimSuffix(strings.TrimPrefix(key, "heartbeat:"), ":last_seen")
		v, ok := h.deps.States.TryGet(key)
		if !ok {
			continue
		}
		lastSeen, ok := v.(time.Time)
		if !ok {
			continue
		}
		status := "offline"
		if now.Sub(lastSeen) < onlineWindow {
			status = "online"
		}
		out[source] = SourceLiveness{Status: status, LastSeen: lastSeen}
	}
	return out
}

// onConfigUpdate stores the key and applies the per-key effect for the
// recognized runtime-tunable settings.
func (h *SystemHandler) onConfigUpdate(env *envelope.Envelope) {
	var update struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := env.DecodeData(&update); err != nil || update.Key == "" {
		h.publishConfigAck(env, "", false, "invalid config update payload")
		return
	}

	h.deps.States.Set("config:"+update.Key, update.Value)

	var applyErr error
	switch update.Key {
	case "log_level":
		level, err := config.ParseLogLevel(update.Value)
		if err != nil {
			applyErr = err
		} else if h.level != nil {
			h.level.Set(level)
			h.deps.Logger.Info("log level changed", "level", update.Value)
		}
	case "mqtt_reconnect_interval", "task_timeout":
		// Stored above; the owning component reads it on next use.
	default:
		applyErr = fmt.Errorf("unrecognized config key %q", update.Key)
	}

	if applyErr != nil {
		h.publishConfigAck(env, update.Key, false, applyErr.Error())
		return
	}
	h.publishConfigAck(env, update.Key, true, "")
}

func (h *SystemHandler) publishConfigAck(env *envelope.Envelope, key string, applied bool, errMsg string) {
	data := map[string]any{"key": key, "applied": applied}
	if errMsg != "" {
		data["error"] = errMsg
	}
	h.deps.Pub.Publish(context.Background(), topics.KeySystemConfigAck, data,
		envelope.PriorityNormal, env.MessageID)
}

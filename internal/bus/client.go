// Package bus owns the per-service MQTT session: lifecycle, reconnect,
// subscribe/dispatch, and enveloped publish. Other components never
// touch the broker connection directly; they publish by symbolic topic
// key and receive messages through the router.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/envelope"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/events"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/router"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/topics"
)

// ErrQueueFull is returned by PublishRaw when the broker is
// disconnected and the offline queue has reached its bound.
var ErrQueueFull = errors.New("outbound queue full")

// ErrSubscribeFailed wraps broker-side subscription rejections.
var ErrSubscribeFailed = errors.New("subscribe failed")

// session is the narrow slice of the autopaho connection manager the
// client uses. Tests substitute a fake; production wires the real one.
type session interface {
	Publish(ctx context.Context, p *paho.Publish) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Statistics is a point-in-time snapshot of the client's counters.
type Statistics struct {
	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
	PublishedCount   int64      `json:"published_count"`
	ReceivedCount    int64      `json:"received_count"`
	SubscribedTopics []string   `json:"subscribed_topics"`
	ReconnectCount   int64      `json:"reconnect_count"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	IsConnected      bool       `json:"is_connected"`
}

// BatchResult reports the outcome of PublishBatch.
type BatchResult struct {
	SuccessCount int
	FailureCount int
	Failures     []BatchFailure
}

// BatchFailure names one failed publish within a batch.
type BatchFailure struct {
	Topic string
	Err   string
}

type queuedPublish struct {
	topic   string
	payload []byte
}

// Client manages the MQTT connection for one service. All public
// methods are safe for concurrent use.
type Client struct {
	cfg      *config.ServiceConfig
	identity envelope.ServiceInfo
	registry *topics.Registry
	router   *router.Router
	events   *events.Bus
	logger   *slog.Logger

	connected atomic.Bool
	attempts  atomic.Int64
	stopped   atomic.Bool

	mu          sync.Mutex
	sess        session
	queue       []queuedPublish
	queueLimit  int
	subscribed  []string // declared order, re-issued on reconnect
	connectedAt time.Time
	lastMsgAt   time.Time
	published   int64
	received    int64
	reconnects  int64

	cancel context.CancelFunc
}

// New creates a bus client. Call Start to connect.
func New(cfg *config.ServiceConfig, registry *topics.Registry, rtr *router.Router, evBus *events.Bus, logger *slog.Logger) *Client {
	limit := cfg.StandardMqtt.Messages.MaxRetries * 10
	if limit <= 0 {
		limit = 30
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		router:   rtr,
		events:   evBus,
		logger:   logger,
		identity: envelope.ServiceInfo{
			Name:        cfg.ServiceName,
			Instance:    cfg.StandardMqtt.Connection.ClientID,
			Version:     cfg.StandardMqtt.Messages.Version,
			Environment: "Production",
		},
		queueLimit: limit,
	}
}

// Identity returns the service descriptor stamped on outbound envelopes.
func (c *Client) Identity() envelope.ServiceInfo { return c.identity }

// Start opens the broker connection and issues the subscriptions
// declared in configuration, in declared order. It returns once the
// initial connection is up, or an error when the connect timeout
// elapses and the configured reconnect attempts are exhausted.
func (c *Client) Start(ctx context.Context) error {
	conn := c.cfg.StandardMqtt.Connection

	brokerURL, err := url.Parse(c.cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	// Seed the declared set before connecting. The connection-up hook
	// issues it, so the configured filters survive a broker that is
	// down at startup.
	c.recordConfiguredSubscriptions()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(conn.KeepAliveSec),
		ConnectUsername:               conn.Username,
		ConnectPassword:               []byte(conn.Password),
		CleanStartOnInitialConnection: conn.CleanSession,
		ReconnectBackoff: func(int) time.Duration {
			return time.Duration(conn.ReconnectIntervalSec) * time.Second
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.onConnectionUp(runCtx)
		},
		OnConnectError: func(err error) {
			c.onConnectError(err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: conn.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.onMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.onDisconnect(fmt.Errorf("server disconnect: reason %d", d.ReasonCode), false)
			},
			OnClientError: func(err error) {
				c.onDisconnect(err, false)
			},
		},
	}

	if conn.UseTLS {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.setSession(&autopahoSession{cm: cm})

	connCtx, connCancel := context.WithTimeout(runCtx, time.Duration(conn.ConnectTimeoutSec)*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		if c.attempts.Load() >= int64(conn.MaxReconnectAttempts) {
			cancel()
			return fmt.Errorf("mqtt initial connection failed after %d attempts: %w",
				c.attempts.Load(), err)
		}
		// autopaho keeps retrying in the background; reconnect
		// accounting decides when to give up.
		c.logger.Warn("mqtt initial connection timed out, retrying in background",
			"broker", c.cfg.BrokerURL(), "error", err)
	}

	return nil
}

// setSession installs the transport. Exported indirectly for tests via
// newWithSession; production only calls this from Start.
func (c *Client) setSession(s session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

// Stop drains queued publishes best-effort and closes the session.
// Idempotent.
func (c *Client) Stop(ctx context.Context) error {
	if c.stopped.Swap(true) {
		return nil
	}

	c.drainQueue(ctx)

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Disconnect(ctx)
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.connected.Store(false)
	return err
}

// onConnectionUp runs on every successful (re-)connect: reissues the
// declared subscription set in order, then drains the offline queue.
func (c *Client) onConnectionUp(ctx context.Context) {
	first := !c.connected.Swap(true)
	c.attempts.Store(0)

	c.mu.Lock()
	c.connectedAt = time.Now().UTC()
	if !first {
		c.reconnects++
	}
	resub := append([]string(nil), c.subscribed...)
	sess := c.sess
	reconnects := c.reconnects
	c.mu.Unlock()

	c.logger.Info("mqtt connected", "broker", c.cfg.BrokerURL(), "reconnects", reconnects)

	for _, topic := range resub {
		if sess == nil {
			break
		}
		if err := sess.Subscribe(ctx, topic); err != nil {
			c.logger.Error("mqtt re-subscribe failed", "topic", topic, "error", err)
		}
	}

	c.drainQueue(ctx)

	c.events.Emit(events.SourceBus, events.KindConnected, map[string]any{
		"broker":          c.cfg.BrokerURL(),
		"reconnect_count": reconnects,
	})
}

func (c *Client) onConnectError(err error) {
	n := c.attempts.Add(1)
	max := int64(c.cfg.StandardMqtt.Connection.MaxReconnectAttempts)
	c.logger.Warn("mqtt connection error", "attempt", n, "max", max, "error", err)

	if n >= max {
		c.logger.Error("mqtt reconnect attempts exhausted", "attempts", n)
		c.onDisconnect(err, true)
		if c.cancel != nil {
			c.cancel()
		}
	}
}

func (c *Client) onDisconnect(err error, terminal bool) {
	if c.connected.Swap(false) || terminal {
		c.events.Emit(events.SourceBus, events.KindDisconnected, map[string]any{
			"error":    fmt.Sprint(err),
			"terminal": terminal,
		})
		if !terminal {
			c.logger.Warn("mqtt disconnected, reconnecting", "error", err)
		}
	}
}

// onMessage is the single inbound entry point; it counts and forwards
// to the router, which fans out to handlers on their own goroutines.
func (c *Client) onMessage(topic string, payload []byte) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.received++
	c.lastMsgAt = now
	c.mu.Unlock()

	c.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
		"topic", topic, "payload_size", len(payload))

	c.router.Route(topic, payload)
}

// PublishRaw publishes bytes at QoS 1. When disconnected the message
// is queued (bounded) and delivered after reconnect; a full queue
// returns ErrQueueFull.
func (c *Client) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	if !c.connected.Load() {
		return c.enqueue(topic, payload)
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return c.enqueue(topic, payload)
	}

	err := sess.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
	})
	if err != nil {
		// Connection raced away under us; fall back to the queue so
		// at-least-once still holds across the reconnect.
		c.logger.Debug("publish failed, queueing", "topic", topic, "error", err)
		return c.enqueue(topic, payload)
	}

	c.mu.Lock()
	c.published++
	c.mu.Unlock()
	return nil
}

func (c *Client) enqueue(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.queueLimit {
		return fmt.Errorf("%w: %d messages pending", ErrQueueFull, len(c.queue))
	}
	c.queue = append(c.queue, queuedPublish{topic: topic, payload: payload})
	c.logger.Debug("publish queued while disconnected", "topic", topic, "queued", len(c.queue))
	return nil
}

// drainQueue publishes everything queued while disconnected, FIFO.
func (c *Client) drainQueue(ctx context.Context) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	sess := c.sess
	c.mu.Unlock()

	if len(pending) == 0 || sess == nil {
		return
	}

	var delivered int
	for _, qp := range pending {
		if err := sess.Publish(ctx, &paho.Publish{Topic: qp.topic, Payload: qp.payload, QoS: 1}); err != nil {
			c.logger.Warn("queued publish failed", "topic", qp.topic, "error", err)
			continue
		}
		delivered++
	}

	c.mu.Lock()
	c.published += int64(delivered)
	c.mu.Unlock()
	c.logger.Info("offline queue drained", "delivered", delivered, "dropped", len(pending)-delivered)
}

// Publish wraps data in an envelope stamped with this service's
// identity, resolves the topic key, and publishes. Returns false on
// unregistered key, serialization error, or queue overflow; never
// panics.
func (c *Client) Publish(ctx context.Context, topicKey string, data any, priority envelope.Priority, correlationID string) bool {
	return c.PublishWith(ctx, topicKey, nil, data, priority, correlationID)
}

// PublishWith is Publish for topic keys with positional placeholders.
func (c *Client) PublishWith(ctx context.Context, topicKey string, params []string, data any, priority envelope.Priority, correlationID string) bool {
	topic, err := c.registry.Resolve(topicKey, c.cfg.StandardMqtt.Messages.Version, params...)
	if err != nil {
		c.logger.Error("publish: topic resolution failed", "key", topicKey, "error", err)
		return false
	}

	msgType := envelope.TypeEvent
	if def, ok := c.registry.Get(topicKey); ok && def.MessageType != "" {
		msgType = def.MessageType
	}

	env := envelope.New(msgType, priority, c.identity, data)
	env.MaxRetries = c.cfg.StandardMqtt.Messages.MaxRetries
	if correlationID != "" {
		env.WithCorrelation(correlationID)
	}

	payload, err := env.Marshal()
	if err != nil {
		c.logger.Error("publish: envelope marshal failed", "key", topicKey, "error", err)
		return false
	}

	if err := c.PublishRaw(ctx, topic, payload); err != nil {
		c.logger.Error("publish failed", "key", topicKey, "topic", topic, "error", err)
		return false
	}
	return true
}

// PublishBatch issues each publish and never stops on first failure.
func (c *Client) PublishBatch(ctx context.Context, items []struct {
	Topic   string
	Payload []byte
}) BatchResult {
	var res BatchResult
	for _, item := range items {
		if err := c.PublishRaw(ctx, item.Topic, item.Payload); err != nil {
			res.FailureCount++
			res.Failures = append(res.Failures, BatchFailure{Topic: item.Topic, Err: err.Error()})
			continue
		}
		res.SuccessCount++
	}
	return res
}

// Subscribe adds an MQTT filter without a typed handler. The router's
// registered handlers (or default handler) receive its messages. The
// recorded set is authoritative: the connection-up hook re-issues it on
// every (re-)connect, so subscribing while disconnected succeeds and
// takes effect at the next connect.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	sess := c.sess
	var added bool
	if sess != nil {
		added = c.recordSubscriptionLocked(topic)
	}
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("%w: not started", ErrSubscribeFailed)
	}

	if !c.connected.Load() {
		c.logger.Debug("subscribe deferred until connect", "topic", topic)
		return nil
	}
	if err := sess.Subscribe(ctx, topic); err != nil {
		if added {
			c.forgetSubscription(topic)
		}
		return fmt.Errorf("%w: %s: %v", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// recordConfiguredSubscriptions seeds the declared set with the
// config-declared subscription filters, sorted by key for a stable
// replay order.
func (c *Client) recordConfiguredSubscriptions() {
	subs := c.cfg.StandardMqtt.Topics.Subscriptions
	keys := make([]string, 0, len(subs))
	for key := range subs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.recordSubscriptionLocked(subs[key])
	}
}

// recordSubscriptionLocked appends topic to the declared set unless
// already present. Caller holds c.mu.
func (c *Client) recordSubscriptionLocked(topic string) bool {
	for _, t := range c.subscribed {
		if t == topic {
			return false
		}
	}
	c.subscribed = append(c.subscribed, topic)
	return true
}

func (c *Client) forgetSubscription(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.subscribed {
		if t == topic {
			c.subscribed = append(c.subscribed[:i], c.subscribed[i+1:]...)
			return
		}
	}
}

// SubscribeTyped resolves the key, registers a handler that decodes
// the envelope, drops expired envelopes and (optionally) envelopes of
// other message types, then subscribes the MQTT filter. On subscribe
// failure the handler table entry is rolled back.
func (c *Client) SubscribeTyped(ctx context.Context, topicKey string, handler func(*envelope.Envelope), filterType envelope.MessageType) error {
	topic, err := c.registry.Resolve(topicKey, c.cfg.StandardMqtt.Messages.Version)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrSubscribeFailed, topicKey, err)
	}

	h := &envelopeHandler{
		topic:      topic,
		filterType: filterType,
		logger:     c.logger,
		fn:         handler,
	}
	c.router.RegisterPattern(topic, h)

	if err := c.Subscribe(ctx, topic); err != nil {
		c.router.Unregister(topic)
		return err
	}
	return nil
}

// Unsubscribe removes the MQTT filter and any handler table entry.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	sess := c.sess
	for i, t := range c.subscribed {
		if t == topic {
			c.subscribed = append(c.subscribed[:i], c.subscribed[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.router.Unregister(topic)

	if sess == nil {
		return nil
	}
	return sess.Unsubscribe(ctx, topic)
}

// HealthCheck publishes a heartbeat envelope on the status topic and
// reports whether the client is connected and the publish succeeded.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if !c.connected.Load() {
		return false
	}

	topic, err := c.registry.Resolve(topics.KeyStatusHeartbeat,
		c.cfg.StandardMqtt.Messages.Version, c.cfg.ServiceName)
	if err != nil {
		c.logger.Error("health check: resolve heartbeat topic", "error", err)
		return false
	}

	env := envelope.New(envelope.TypeHeartbeat, envelope.PriorityLow, c.identity, envelope.Heartbeat{
		Source:    c.cfg.ServiceName,
		Timestamp: time.Now().UTC(),
	})
	payload, err := env.Marshal()
	if err != nil {
		return false
	}
	return c.PublishRaw(ctx, topic, payload) == nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by health watchers.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return errors.New("bus client not started")
	}
	return sess.AwaitConnection(ctx)
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// Statistics returns a counter snapshot.
func (c *Client) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Statistics{
		PublishedCount:   c.published,
		ReceivedCount:    c.received,
		SubscribedTopics: append([]string(nil), c.subscribed...),
		ReconnectCount:   c.reconnects,
		IsConnected:      c.connected.Load(),
	}
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		st.ConnectedAt = &t
	}
	if !c.lastMsgAt.IsZero() {
		t := c.lastMsgAt
		st.LastMessageAt = &t
	}
	return st
}

// envelopeHandler adapts a typed envelope callback to the router's
// Handler contract.
type envelopeHandler struct {
	topic      string
	filterType envelope.MessageType
	logger     *slog.Logger
	fn         func(*envelope.Envelope)
}

func (h *envelopeHandler) Handle(topic string, payload []byte) {
	env, err := envelope.Unmarshal(payload)
	if err != nil {
		// Protocol error: log with topic and payload length, drop.
		h.logger.Warn("undecodable envelope dropped",
			"topic", topic, "payload_size", len(payload), "error", err)
		return
	}
	if env.Expired(time.Now().UTC()) {
		h.logger.Debug("expired envelope dropped",
			"topic", topic, "message_id", env.MessageID, "expires_at", env.ExpiresAt)
		return
	}
	if h.filterType != "" && env.Type != h.filterType {
		h.logger.Debug("envelope type filtered",
			"topic", topic, "type", env.Type, "want", h.filterType)
		return
	}
	h.fn(env)
}

func (h *envelopeHandler) CanHandle(topic string) bool {
	return router.Matches(h.topic, topic)
}

func (h *envelopeHandler) SupportedTopics() []string { return []string{h.topic} }

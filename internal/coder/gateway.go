// Package coder runs the TCP gateway that scanner endpoints connect
// to. Each endpoint gets an ordered message buffer; the workflow's
// scan step resets the buffers, waits out a collect window, and takes
// whatever arrived. The gateway never initiates traffic toward a
// scanner unless asked via Send or Broadcast.
package coder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/events"
)

// readyDelay gives scanners time to settle after a buffer reset before
// the collect window opens.
const readyDelay = 500 * time.Millisecond

// ErrUnknownEndpoint is returned by Send for an endpoint that is not
// connected.
var ErrUnknownEndpoint = errors.New("unknown scanner endpoint")

// ClientInfo is a per-endpoint snapshot.
type ClientInfo struct {
	Endpoint     string    `json:"endpoint"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// GatewayStatus describes the listener and its connections.
type GatewayStatus struct {
	Running      bool      `json:"running"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	ClientCount  int       `json:"client_count"`
	BusConnected bool      `json:"bus_connected"`
	Timestamp    time.Time `json:"timestamp"`
}

// ScanResult is what a closed collect window produced.
type ScanResult struct {
	Direction   string    `json:"direction"`
	StackHeight float64   `json:"stack_height"`
	Codes       []string  `json:"codes"`
	Timestamp   time.Time `json:"timestamp"`
}

// Joined returns the codes in the legacy single-string wire form,
// separated by semicolons.
func (r ScanResult) Joined() string { return strings.Join(r.Codes, ";") }

type client struct {
	endpoint string
	conn     net.Conn

	mu           sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time
	messages     []string
	closed       bool
}

func (c *client) appendMessage(msg string) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

func (c *client) takeMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func (c *client) reset() {
	c.mu.Lock()
	c.messages = nil
	c.mu.Unlock()
}

func (c *client) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// Gateway is the scanner TCP listener. Start and Stop are idempotent.
type Gateway struct {
	cfg          config.CoderService
	events       *events.Bus
	logger       *slog.Logger
	busConnected func() bool

	mu       sync.Mutex
	running  bool
	listener net.Listener
	clients  []*client // accept order; scan results follow it
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewGateway creates a gateway. busConnected feeds the status report
// and may be nil.
func NewGateway(cfg config.CoderService, evBus *events.Bus, busConnected func() bool, logger *slog.Logger) *Gateway {
	return &Gateway{cfg: cfg, events: evBus, busConnected: busConnected, logger: logger}
}

// Start binds the listener and launches the acceptor and the idle
// sweeper. Calling Start on a running gateway is a no-op.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", g.cfg.SocketAddress, g.cfg.SocketPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coder gateway listen %s: %w", addr, err)
	}
	g.listener = ln
	g.running = true

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.wg.Add(2)
	go g.acceptLoop(runCtx, ln)
	go g.sweepIdle(runCtx)

	g.logger.Info("coder gateway listening", "address", ln.Addr().String())
	return nil
}

// Stop closes the listener and every active socket. Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	ln := g.listener
	cancel := g.cancel
	clients := append([]*client(nil), g.clients...)
	g.mu.Unlock()

	cancel()
	_ = ln.Close()
	for _, c := range clients {
		g.disconnect(c, "gateway stopped")
	}
	g.wg.Wait()
	g.logger.Info("coder gateway stopped")
}

// Addr returns the bound listen address, for tests using port 0.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("accept failed", "error", err)
			return
		}

		g.mu.Lock()
		full := len(g.clients) >= g.cfg.MaxClients
		g.mu.Unlock()
		if full {
			g.logger.Warn("scanner rejected, max clients reached",
				"endpoint", conn.RemoteAddr().String(), "max", g.cfg.MaxClients)
			_ = conn.Close()
			continue
		}

		now := time.Now().UTC()
		c := &client{
			endpoint:     conn.RemoteAddr().String(),
			conn:         conn,
			connectedAt:  now,
			lastActivity: now,
		}
		g.mu.Lock()
		g.clients = append(g.clients, c)
		g.mu.Unlock()

		g.logger.Info("scanner connected", "endpoint", c.endpoint)
		g.events.Emit(events.SourceCoder, events.KindClientConnected,
			map[string]any{"endpoint": c.endpoint})

		g.wg.Add(1)
		go g.receiveLoop(ctx, c)
	}
}

// receiveLoop reads raw segments; each successful read is one message.
// The scanner protocol has no framing.
func (g *Gateway) receiveLoop(ctx context.Context, c *client) {
	defer g.wg.Done()
	buf := make([]byte, g.cfg.ReceiveBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.conn.Read(buf)
		if err != nil || n == 0 {
			g.disconnect(c, "read closed")
			return
		}
		msg := string(buf[:n])
		c.appendMessage(msg)
		g.logger.Debug("scanner message", "endpoint", c.endpoint, "bytes", n)
	}
}

// sweepIdle drops endpoints silent for longer than client_timeout_ms.
func (g *Gateway) sweepIdle(ctx context.Context) {
	defer g.wg.Done()
	timeout := time.Duration(g.cfg.ClientTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		return
	}
	interval := timeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			g.mu.Lock()
			stale := make([]*client, 0)
			for _, c := range g.clients {
				if c.idleSince(now) > timeout {
					stale = append(stale, c)
				}
			}
			g.mu.Unlock()
			for _, c := range stale {
				g.disconnect(c, "idle timeout")
			}
		}
	}
}

// disconnect closes the socket and removes the client. Idempotent per
// client.
func (g *Gateway) disconnect(c *client, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.conn.Close()

	g.mu.Lock()
	for i, cc := range g.clients {
		if cc == c {
			g.clients = append(g.clients[:i], g.clients[i+1:]...)
			break
		}
	}
	g.mu.Unlock()

	g.logger.Info("scanner disconnected", "endpoint", c.endpoint, "reason", reason)
	g.events.Emit(events.SourceCoder, events.KindClientDropped,
		map[string]any{"endpoint": c.endpoint, "reason": reason})
}

// StartScan resets every endpoint buffer, waits for scanners to be
// ready, then collects for the window. It returns whatever arrived
// when the window elapses; it does not wait for every endpoint to
// respond. Codes follow accept order across endpoints and arrival
// order within each.
func (g *Gateway) StartScan(ctx context.Context, direction string, stackHeight float64, window time.Duration) (ScanResult, error) {
	if window <= 0 {
		window = time.Duration(g.cfg.ScanTimeoutMS) * time.Millisecond
	}

	g.mu.Lock()
	clients := append([]*client(nil), g.clients...)
	g.mu.Unlock()
	for _, c := range clients {
		c.reset()
	}

	select {
	case <-time.After(readyDelay):
	case <-ctx.Done():
		return ScanResult{}, ctx.Err()
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
		return ScanResult{}, ctx.Err()
	}

	// Re-snapshot at collection time: an endpoint that connected after
	// the reset still contributes what it sent during the window.
	g.mu.Lock()
	clients = append([]*client(nil), g.clients...)
	g.mu.Unlock()

	var codes []string
	for _, c := range clients {
		codes = append(codes, c.takeMessages()...)
	}

	res := ScanResult{
		Direction:   direction,
		StackHeight: stackHeight,
		Codes:       codes,
		Timestamp:   time.Now().UTC(),
	}
	g.events.Emit(events.SourceCoder, events.KindScanWindow, map[string]any{
		"direction": direction,
		"codes":     len(codes),
		"clients":   len(clients),
	})
	return res, nil
}

// Send writes to one endpoint. A write failure disconnects that
// endpoint.
func (g *Gateway) Send(endpoint, msg string) error {
	g.mu.Lock()
	var target *client
	for _, c := range g.clients {
		if c.endpoint == endpoint {
			target = c
			break
		}
	}
	g.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	if _, err := target.conn.Write([]byte(msg)); err != nil {
		g.disconnect(target, "write failed")
		return fmt.Errorf("send to %s: %w", endpoint, err)
	}
	return nil
}

// Broadcast writes to every endpoint, best-effort. A failing endpoint
// is disconnected; the call continues with the rest.
func (g *Gateway) Broadcast(msg string) {
	g.mu.Lock()
	clients := append([]*client(nil), g.clients...)
	g.mu.Unlock()

	for _, c := range clients {
		if _, err := c.conn.Write([]byte(msg)); err != nil {
			g.disconnect(c, "write failed")
		}
	}
}

// ClearQueue empties every endpoint's message buffer.
func (g *Gateway) ClearQueue() {
	g.mu.Lock()
	clients := append([]*client(nil), g.clients...)
	g.mu.Unlock()
	for _, c := range clients {
		c.reset()
	}
}

// Status reports the listener state.
func (g *Gateway) Status() GatewayStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	busUp := false
	if g.busConnected != nil {
		busUp = g.busConnected()
	}
	return GatewayStatus{
		Running:      g.running,
		Address:      g.cfg.SocketAddress,
		Port:         g.cfg.SocketPort,
		ClientCount:  len(g.clients),
		BusConnected: busUp,
		Timestamp:    time.Now().UTC(),
	}
}

// ConnectedClients snapshots every endpoint.
func (g *Gateway) ConnectedClients() []ClientInfo {
	g.mu.Lock()
	clients := append([]*client(nil), g.clients...)
	g.mu.Unlock()

	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		c.mu.Lock()
		out = append(out, ClientInfo{
			Endpoint:     c.endpoint,
			ConnectedAt:  c.connectedAt,
			LastActivity: c.lastActivity,
			MessageCount: len(c.messages),
		})
		c.mu.Unlock()
	}
	return out
}

package coder

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/config"
	"github.com/caoyingjie21/IntelligentOutboundSystem/internal/events"
)

func testGateway(t *testing.T, cfg config.CoderService) *Gateway {
	t.Helper()
	if cfg.SocketAddress == "" {
		cfg.SocketAddress = "127.0.0.1"
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = 8
	}
	if cfg.ReceiveBufferSize == 0 {
		cfg.ReceiveBufferSize = 1024
	}
	if cfg.ClientTimeoutMS == 0 {
		cfg.ClientTimeoutMS = 30_000
	}
	if cfg.ScanTimeoutMS == 0 {
		cfg.ScanTimeoutMS = 5_000
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGateway(cfg, events.New(), func() bool { return true }, logger)
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

// dialScanner connects a fake scanner endpoint and waits until the
// gateway has registered it.
func dialScanner(t *testing.T, g *Gateway) net.Conn {
	t.Helper()
	before := len(g.ConnectedClients())
	conn, err := net.Dial("tcp", g.Addr().String())
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.ConnectedClients()) > before {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("gateway never registered the connection")
	return nil
}

// sendAndSettle writes one segment and waits for the receive loop to
// buffer it.
func sendAndSettle(t *testing.T, conn net.Conn, msg string) {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestStartStopIdempotent(t *testing.T) {
	g := testGateway(t, config.CoderService{})

	if err := g.Start(context.Background()); err != nil {
		t.Errorf("second Start: %v", err)
	}
	g.Stop()
	g.Stop()

	if st := g.Status(); st.Running {
		t.Error("Running = true after Stop")
	}
}

func TestScanWindowCollectsPerEndpoint(t *testing.T) {
	g := testGateway(t, config.CoderService{})
	a := dialScanner(t, g)
	b := dialScanner(t, g)

	// Pre-window noise must not survive the reset.
	sendAndSettle(t, a, "STALE")

	type scanOut struct {
		res ScanResult
		err error
	}
	done := make(chan scanOut, 1)
	go func() {
		res, err := g.StartScan(context.Background(), "out", 1.65, 1500*time.Millisecond)
		done <- scanOut{res, err}
	}()

	// Inside the window: two codes on a, one on b.
	time.Sleep(700 * time.Millisecond)
	sendAndSettle(t, a, "CODE-A1")
	sendAndSettle(t, a, "CODE-A2")
	sendAndSettle(t, b, "CODE-B")

	out := <-done
	if out.err != nil {
		t.Fatalf("StartScan: %v", out.err)
	}
	if out.res.Direction != "out" || out.res.StackHeight != 1.65 {
		t.Errorf("result = %+v", out.res)
	}

	if len(out.res.Codes) != 3 {
		t.Fatalf("codes = %v, want 3 entries", out.res.Codes)
	}
	// Per-endpoint arrival order: A1 before A2.
	var a1, a2 = -1, -1
	for i, c := range out.res.Codes {
		switch c {
		case "STALE":
			t.Error("pre-window message survived the reset")
		case "CODE-A1":
			a1 = i
		case "CODE-A2":
			a2 = i
		}
	}
	if a1 == -1 || a2 == -1 || a1 > a2 {
		t.Errorf("per-endpoint order violated: %v", out.res.Codes)
	}
}

func TestScanWindowIncludesLateConnections(t *testing.T) {
	g := testGateway(t, config.CoderService{})

	type scanOut struct {
		res ScanResult
		err error
	}
	done := make(chan scanOut, 1)
	go func() {
		res, err := g.StartScan(context.Background(), "out", 1.0, 1500*time.Millisecond)
		done <- scanOut{res, err}
	}()

	// Connect after the scan started; the code lands inside the window
	// and must be collected.
	time.Sleep(700 * time.Millisecond)
	late := dialScanner(t, g)
	sendAndSettle(t, late, "CODE-LATE")

	out := <-done
	if out.err != nil {
		t.Fatalf("StartScan: %v", out.err)
	}
	if len(out.res.Codes) != 1 || out.res.Codes[0] != "CODE-LATE" {
		t.Errorf("codes = %v, want [CODE-LATE]", out.res.Codes)
	}
}

func TestScanWindowDoesNotWaitForClients(t *testing.T) {
	g := testGateway(t, config.CoderService{})
	dialScanner(t, g)

	start := time.Now()
	res, err := g.StartScan(context.Background(), "in", 0.5, 300*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	// readyDelay + window, not scanner response time.
	if elapsed > 2*time.Second {
		t.Errorf("scan took %v, window was 300ms", elapsed)
	}
	if len(res.Codes) != 0 {
		t.Errorf("codes = %v, want none", res.Codes)
	}
}

func TestScanCancellation(t *testing.T) {
	g := testGateway(t, config.CoderService{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := g.StartScan(ctx, "out", 1.0, 10*time.Second)
	if err == nil {
		t.Fatal("StartScan ignored cancellation")
	}
}

func TestIdleClientDropped(t *testing.T) {
	g := testGateway(t, config.CoderService{ClientTimeoutMS: 200})
	dialScanner(t, g)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.ConnectedClients()) == 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if got := g.ConnectedClients(); len(got) != 0 {
		t.Fatalf("idle client still connected: %+v", got)
	}

	// Broadcast after the drop must not raise.
	g.Broadcast("PING")
}

func TestDisconnectOnClose(t *testing.T) {
	g := testGateway(t, config.CoderService{})
	conn := dialScanner(t, g)

	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.ConnectedClients()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("closed client still listed")
}

func TestMaxClientsRejected(t *testing.T) {
	g := testGateway(t, config.CoderService{MaxClients: 1})
	dialScanner(t, g)

	extra, err := net.Dial("tcp", g.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer extra.Close()

	// The gateway closes the surplus connection; reads hit EOF.
	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := extra.Read(buf); err == nil {
		t.Error("surplus connection was not closed")
	}
	if got := g.ConnectedClients(); len(got) != 1 {
		t.Errorf("client count = %d, want 1", len(got))
	}
}

func TestSendAndBroadcast(t *testing.T) {
	g := testGateway(t, config.CoderService{})
	conn := dialScanner(t, g)

	clients := g.ConnectedClients()
	if len(clients) != 1 {
		t.Fatalf("clients = %+v", clients)
	}

	if err := g.Send(clients[0].Endpoint, "TRIGGER"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil || string(buf[:n]) != "TRIGGER" {
		t.Errorf("scanner read %q, %v", buf[:n], err)
	}

	if err := g.Send("10.0.0.1:1", "X"); err == nil {
		t.Error("Send to unknown endpoint succeeded")
	}

	g.Broadcast("ALL")
	n, err = conn.Read(buf)
	if err != nil || string(buf[:n]) != "ALL" {
		t.Errorf("broadcast read %q, %v", buf[:n], err)
	}
}

func TestClearQueue(t *testing.T) {
	g := testGateway(t, config.CoderService{})
	conn := dialScanner(t, g)

	sendAndSettle(t, conn, "OLD")
	if got := g.ConnectedClients(); got[0].MessageCount != 1 {
		t.Fatalf("MessageCount = %d before clear", got[0].MessageCount)
	}

	g.ClearQueue()
	if got := g.ConnectedClients(); got[0].MessageCount != 0 {
		t.Errorf("MessageCount = %d after clear", got[0].MessageCount)
	}
}

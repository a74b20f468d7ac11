package listener_test

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alex-rizov/pos-proxy/config"
	"github.com/alex-rizov/pos-proxy/listener"
	"github.com/alex-rizov/pos-proxy/passport"
	"github.com/alex-rizov/pos-proxy/session"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return uint16(port)
}

func addr(port uint16) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
}

func TestListener_AcceptsAndEchoesBinary(t *testing.T) {
	upstreamPort := freePort(t)
	upstreamLn, err := net.Listen("tcp", addr(upstreamPort))
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := passport.ReadFrame(conn)
		if err != nil {
			return
		}
		_, _ = conn.Write(req.Bytes())
	}()

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	defer store.Close()

	listenPort := freePort(t)
	cfg := config.Configuration{
		ListenPort: listenPort,
		Clients: []config.ClientConfig{
			{Name: "default", Remote: "127.0.0.1", Port: upstreamPort},
		},
	}

	l := listener.New(cfg, store, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- l.ListenAndServe(ctx) }()
	defer l.Close()

	waitForListen(t, listenPort)

	conn, err := net.Dial("tcp", addr(listenPort))
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	wire := passport.EncodeFrame(passport.KindBinaryEcho, []byte{0xAA}, false)
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := passport.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !passport.IsBinaryEcho(resp) {
		t.Fatal("expected a binary echo response")
	}
}

func waitForListen(t *testing.T, port uint16) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr(port))
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

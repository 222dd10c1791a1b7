package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spacemeshos/nameserver/cmd/registercli/client"
)

// Harness runs a nameserver process and exposes an HTTP client bound to it.
type Harness struct {
	*client.HTTPClient
	server *server
}

// NewHarness starts a nameserver process and waits until it answers
// requests or ctx is done.
func NewHarness(ctx context.Context, cfg *ServerConfig) (*Harness, error) {
	srv := newServer(cfg)
	if err := srv.start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	if err := waitReady(ctx, srv, addr); err != nil {
		_ = srv.stop()
		return nil, err
	}

	cli, err := client.New("http://"+addr, client.WithRetries(0))
	if err != nil {
		_ = srv.stop()
		return nil, err
	}

	return &Harness{HTTPClient: cli, server: srv}, nil
}

// TearDown stops the running process. Data directories are left in place.
func (h *Harness) TearDown() error {
	if err := h.server.stop(); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// ProcessErrors returns a channel used for reporting fatal process errors.
func (h *Harness) ProcessErrors() <-chan error {
	return h.server.errChan
}

func waitReady(ctx context.Context, srv *server, addr string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if isReady(addr) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server at %s not ready: %w", addr, ctx.Err())
		case err := <-srv.errChan:
			return fmt.Errorf("server exited: %w", err)
		case <-ticker.C:
		}
	}
}

func isReady(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// FreePort returns a TCP port that was free at the time of the call.
func FreePort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallsimplesuper/macplus/internal/checker"
	"github.com/smallsimplesuper/macplus/internal/executors"
	"github.com/smallsimplesuper/macplus/internal/orchestrator"
	"github.com/smallsimplesuper/macplus/internal/runner"
	"github.com/smallsimplesuper/macplus/internal/store"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	orc := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Checkers:  []checker.Checker{},
		Executors: map[executors.Kind]executors.Executor{},
		Runner:    runner.NewMockRunner(),
	})

	sockPath := filepath.Join(t.TempDir(), "macplusd.sock")
	return NewServer(orc, sockPath), sockPath
}

func startServer(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		_ = s.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() { <-done })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		ready := s.listener != nil
		s.mu.Unlock()
		if ready {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not start listening in time")
}

func dial(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reader := bufio.NewReader(conn)
	raw, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestServer_GetSettingsReturnsDefaults(t *testing.T) {
	s, sockPath := newTestServer(t)
	startServer(t, s)
	conn := dial(t, sockPath)

	resp := sendRequest(t, conn, Request{ID: "1", Method: "get_settings"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected a settings result")
	}
}

func TestServer_UnknownMethodReturnsError(t *testing.T) {
	s, sockPath := newTestServer(t)
	startServer(t, s)
	conn := dial(t, sockPath)

	resp := sendRequest(t, conn, Request{ID: "1", Method: "does_not_exist"})
	if resp.Error == "" {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestServer_TriggerFullScanReturnsRunID(t *testing.T) {
	s, sockPath := newTestServer(t)
	startServer(t, s)
	conn := dial(t, sockPath)

	resp := sendRequest(t, conn, Request{ID: "1", Method: "trigger_full_scan"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	m, ok := resp.Result.(map[string]any)
	if !ok || m["run_id"] == "" {
		t.Fatalf("expected a run_id in result, got %#v", resp.Result)
	}
}

func TestServer_GetAllAppsEmptyCatalog(t *testing.T) {
	s, sockPath := newTestServer(t)
	startServer(t, s)
	conn := dial(t, sockPath)

	resp := sendRequest(t, conn, Request{ID: "1", Method: "get_all_apps"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	apps, ok := resp.Result.([]any)
	if !ok {
		t.Fatalf("expected a list result, got %#v", resp.Result)
	}
	if len(apps) != 0 {
		t.Fatalf("expected an empty catalog, got %d apps", len(apps))
	}
}

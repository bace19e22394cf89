package ptyhost

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/xragent/internal/events"
	"github.com/antonkrylov/xragent/internal/events/eventstest"
)

const helperEnv = "XRAGENT_PTYHOST_TEST_HELPER"

// TestMain turns the test binary into a pty host when started by a
// Supervisor under test.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		var sock string
		for i, a := range os.Args {
			if a == "--socket" && i+1 < len(os.Args) {
				sock = os.Args[i+1]
			}
		}
		if err := Run(context.Background(), HostOptions{SocketPath: sock, Parent: os.Stdin}); err != nil {
			slog.Error("pty host failed", "err", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type hostEvents struct {
	mu  sync.Mutex
	got []HostEvent
}

func (h *hostEvents) add(ev HostEvent) {
	h.mu.Lock()
	h.got = append(h.got, ev)
	h.mu.Unlock()
}

func (h *hostEvents) count(kind HostEventKind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.got {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T, maxRestarts int) (*Supervisor, *hostEvents, *eventstest.Memory) {
	t.Helper()
	pub := &eventstest.Memory{}
	s := NewSupervisor(SupervisorConfig{
		Command:           os.Args[0],
		Args:              []string{"-test.run=^$"},
		Env:               append(os.Environ(), helperEnv+"=1"),
		GraceTime:         time.Minute,
		HeartbeatInterval: 50 * time.Millisecond,
		MaxRestarts:       maxRestarts,
		Events:            pub,
	})
	got := &hostEvents{}
	s.OnEvent(got.add)
	t.Cleanup(s.Close)
	return s, got, pub
}

func TestSupervisorStartsLazily(t *testing.T) {
	s, got, pub := newTestSupervisor(t, 1)
	assert.Zero(t, got.count(HostStart))

	ctx := context.Background()
	client, err := s.Client(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Heartbeat(ctx))

	again, err := s.Client(ctx)
	require.NoError(t, err)
	assert.Same(t, client, again)

	require.Eventually(t, func() bool { return got.count(HostStart) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, pub.Count(events.PtyHostStarted))
}

func TestSupervisorForwardsTerminalEvents(t *testing.T) {
	s, got, _ := newTestSupervisor(t, 1)
	ctx := context.Background()
	client, err := s.Client(ctx)
	require.NoError(t, err)

	id, err := client.CreateProcess(ctx, &CreateProcessRequest{})
	require.NoError(t, err)
	require.NoError(t, client.UpdateTitle(ctx, &UpdateTitleRequest{ID: id, Title: "t"}))
	require.Eventually(t, func() bool { return got.count(HostTerminal) > 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSupervisorRestartsAfterExit(t *testing.T) {
	s, got, _ := newTestSupervisor(t, 1)
	ctx := context.Background()
	_, err := s.Client(ctx)
	require.NoError(t, err)

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	require.NoError(t, proc.Kill())

	require.Eventually(t, func() bool { return got.count(HostExit) == 1 && got.count(HostStart) == 2 }, 10*time.Second, 20*time.Millisecond)
	client, err := s.Client(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Heartbeat(ctx))

	// The restart budget is spent; the next exit is final.
	s.mu.Lock()
	proc = s.proc
	s.mu.Unlock()
	require.NoError(t, proc.Kill())
	require.Eventually(t, func() bool { return got.count(HostExit) == 2 }, 10*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, got.count(HostStart))
}

func TestSupervisorCloseStopsHost(t *testing.T) {
	s, got, _ := newTestSupervisor(t, 1)
	_, err := s.Client(context.Background())
	require.NoError(t, err)

	s.Close()
	assert.Equal(t, 1, got.count(HostExit))
	_, err = s.Client(context.Background())
	require.Error(t, err)
}

func TestLineWriterSplitsLines(t *testing.T) {
	var buf syncBuffer
	w := &lineWriter{logger: slog.New(slog.NewTextHandler(&buf, nil)), level: slog.LevelInfo}
	_, _ = w.Write([]byte("first\r\nsec"))
	_, _ = w.Write([]byte("ond\n"))
	out := buf.String()
	assert.Contains(t, out, "msg=first")
	assert.Contains(t, out, "msg=second")
}

type syncBuffer struct {
	mu sync.Mutex
	b  []byte
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b = append(s.b, p...)
	return len(p), nil
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.b)
}

package ptyhost

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type testHost struct {
	svc    *Service
	client *Client

	mu     sync.Mutex
	events []*Event
}

// startTestHost serves a Service over gRPC on a private unix socket.
func startTestHost(t *testing.T, cfg Config) *testHost {
	t.Helper()
	dir, err := os.MkdirTemp("", "xpt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "pty.sock")

	svc, err := NewService(cfg)
	require.NoError(t, err)
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = Serve(ctx, lis, svc)
	}()

	client, err := Dial(sock)
	require.NoError(t, err)
	h := &testHost{svc: svc, client: client}
	stream, err := client.Events(ctx)
	require.NoError(t, err)
	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				return
			}
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		_ = client.Close()
		svc.Close()
	})
	return h
}

func (h *testHost) output(id int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var b strings.Builder
	for _, ev := range h.events {
		if ev.ID == id && ev.Type == EventData {
			b.WriteString(ev.Data)
		}
	}
	return b.String()
}

func (h *testHost) find(id int, typ string) *Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		if ev.ID == id && ev.Type == typ {
			return ev
		}
	}
	return nil
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
}

func shellRequest(t *testing.T, script string) *CreateProcessRequest {
	return &CreateProcessRequest{
		ShellLaunchConfig: ShellLaunchConfig{Executable: "/bin/sh", Args: []string{"-c", script}},
		Cwd:               t.TempDir(),
		Cols:              80,
		Rows:              24,
		Env:               map[string]string{"PATH": os.Getenv("PATH"), "GREETING": "hello"},
	}
}

func TestTerminalLifecycleOverGRPC(t *testing.T) {
	requireShell(t)
	h := startTestHost(t, Config{})
	ctx := context.Background()

	id, err := h.client.CreateProcess(ctx, shellRequest(t, "echo $GREETING; exit 3"))
	require.NoError(t, err)
	launchErr, err := h.client.Start(ctx, id)
	require.NoError(t, err)
	require.Nil(t, launchErr)

	require.Eventually(t, func() bool { return h.find(id, EventExit) != nil }, 10*time.Second, 20*time.Millisecond)
	ready := h.find(id, EventReady)
	require.NotNil(t, ready)
	assert.Positive(t, ready.Pid)
	assert.Contains(t, h.output(id), "hello")
	assert.Equal(t, 3, *h.find(id, EventExit).ExitCode)

	// Exited terminals are forgotten.
	assert.Eventually(t, func() bool {
		_, err := h.client.GetInitialCwd(ctx, id)
		return status.Code(err) == codes.NotFound
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTerminalInputEcho(t *testing.T) {
	requireShell(t)
	h := startTestHost(t, Config{})
	ctx := context.Background()

	req := shellRequest(t, "read line; echo got:$line")
	id, err := h.client.CreateProcess(ctx, req)
	require.NoError(t, err)
	_, err = h.client.Start(ctx, id)
	require.NoError(t, err)

	cwd, err := h.client.GetInitialCwd(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, req.Cwd, cwd)

	require.NoError(t, h.client.Resize(ctx, id, 100, 30))
	require.NoError(t, h.client.Input(ctx, id, "ping\r"))
	require.Eventually(t, func() bool { return strings.Contains(h.output(id), "got:ping") }, 10*time.Second, 20*time.Millisecond)
}

func TestStartLaunchErrors(t *testing.T) {
	h := startTestHost(t, Config{})
	ctx := context.Background()

	id, err := h.client.CreateProcess(ctx, &CreateProcessRequest{
		ShellLaunchConfig: ShellLaunchConfig{Executable: "/bin/sh"},
		Cwd:               filepath.Join(t.TempDir(), "missing"),
	})
	require.NoError(t, err)
	launchErr, err := h.client.Start(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, launchErr)
	assert.Contains(t, launchErr.Message, "does not exist")

	id, err = h.client.CreateProcess(ctx, &CreateProcessRequest{
		ShellLaunchConfig: ShellLaunchConfig{Executable: "/no/such/shell"},
		Cwd:               t.TempDir(),
	})
	require.NoError(t, err)
	launchErr, err = h.client.Start(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, launchErr)
	assert.Equal(t, 2, launchErr.Code)
}

func TestUnknownTerminal(t *testing.T) {
	h := startTestHost(t, Config{})
	err := h.client.Input(context.Background(), 42, "x")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSerializeAndRevive(t *testing.T) {
	h := startTestHost(t, Config{})
	ctx := context.Background()

	id, err := h.client.CreateProcess(ctx, &CreateProcessRequest{
		ShellLaunchConfig: ShellLaunchConfig{Executable: "/bin/sh", Name: "shell"},
		Cols:              90,
		Rows:              20,
		ShouldPersist:     true,
		WorkspaceID:       "ws1",
	})
	require.NoError(t, err)
	term, err := h.svc.get(id)
	require.NoError(t, err)
	term.onData("previous output")

	state, err := h.client.SerializeTerminalState(ctx, []int{id, 999})
	require.NoError(t, err)
	require.NotEmpty(t, state)

	require.NoError(t, h.client.ReviveTerminalProcesses(ctx, &ReviveRequest{WorkspaceID: "ws2", State: state}))
	newID, found, err := h.client.GetRevivedPtyNewID(ctx, "ws2", id)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, id, newID)

	revived, err := h.svc.get(newID)
	require.NoError(t, err)
	assert.Contains(t, string(revived.replay), "previous output")
	assert.Contains(t, string(revived.replay), "History restored")
	assert.Equal(t, "ws2", revived.req.WorkspaceID)
	assert.Equal(t, 90, revived.cols)

	_, found, err = h.client.GetRevivedPtyNewID(ctx, "ws1", id)
	require.NoError(t, err)
	assert.False(t, found)

	err = h.client.ReviveTerminalProcesses(ctx, &ReviveRequest{WorkspaceID: "ws", State: "not base64!"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestListProcessesMarksRevivedAsOrphans(t *testing.T) {
	h := startTestHost(t, Config{})
	ctx := context.Background()

	id, err := h.client.CreateProcess(ctx, &CreateProcessRequest{ShouldPersist: true, WorkspaceID: "ws"})
	require.NoError(t, err)
	state, err := h.client.SerializeTerminalState(ctx, []int{id})
	require.NoError(t, err)
	require.NoError(t, h.client.ReviveTerminalProcesses(ctx, &ReviveRequest{WorkspaceID: "ws", State: state}))
	newID, _, err := h.client.GetRevivedPtyNewID(ctx, "ws", id)
	require.NoError(t, err)

	// Answer the orphan question for the live terminal.
	go func() {
		assert.Eventually(t, func() bool { return h.find(id, EventOrphanQuestion) != nil }, 5*time.Second, 5*time.Millisecond)
		_ = h.client.OrphanQuestionReply(ctx, id)
	}()
	procs, err := h.client.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	byID := map[int]ProcessDetails{}
	for _, p := range procs {
		byID[p.ID] = p
	}
	assert.False(t, byID[id].IsOrphan)
	assert.True(t, byID[newID].IsOrphan)
}

func TestLayoutFollowsRevivedIDs(t *testing.T) {
	h := startTestHost(t, Config{})
	ctx := context.Background()

	id, err := h.client.CreateProcess(ctx, &CreateProcessRequest{ShouldPersist: true, WorkspaceID: "ws"})
	require.NoError(t, err)
	require.NoError(t, h.client.SetTerminalLayoutInfo(ctx, &LayoutInfo{
		WorkspaceID: "ws",
		Tabs: []LayoutTab{
			{IsActive: true, ActivePersistentProcessID: id, Terminals: []LayoutTerminal{{RelativeSize: 1, Terminal: id}}},
			{Terminals: []LayoutTerminal{{RelativeSize: 1, Terminal: 777}}},
		},
	}))

	layout, err := h.client.GetTerminalLayoutInfo(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, layout.Tabs, 1)
	require.Len(t, layout.Tabs[0].Terminals, 1)
	assert.Equal(t, id, layout.Tabs[0].Terminals[0].Details.ID)

	err = h.client.SetTerminalLayoutInfo(ctx, &LayoutInfo{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGetProfilesFromShellsFile(t *testing.T) {
	requireShell(t)
	shells := filepath.Join(t.TempDir(), "shells")
	require.NoError(t, os.WriteFile(shells, []byte("# comment\n/bin/sh\n/no/such/shell\n/bin/sh\n"), 0o644))
	h := startTestHost(t, Config{ShellsFile: shells})
	ctx := context.Background()

	profiles, err := h.client.GetProfiles(ctx, &ProfilesRequest{IncludeDetectedProfiles: true, DefaultProfile: "sh"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, Profile{ProfileName: "sh", Path: "/bin/sh", IsDefault: true}, profiles[0])

	profiles, err = h.client.GetProfiles(ctx, &ProfilesRequest{})
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestHeartbeatAndEnvironment(t *testing.T) {
	h := startTestHost(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.client.Heartbeat(ctx))

	env, err := h.client.GetEnvironment(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getenv("PATH"), env["PATH"])

	shell, err := h.client.GetDefaultSystemShell(ctx, "linux")
	require.NoError(t, err)
	assert.NotEmpty(t, shell)
}

func TestFreePortKillProcessRejectsBadPort(t *testing.T) {
	h := startTestHost(t, Config{})
	_, err := h.client.FreePortKillProcess(context.Background(), 70000)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

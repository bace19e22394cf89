package terminal

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/xragent/internal/ipc"
	"github.com/antonkrylov/xragent/internal/ptyhost"
)

// localHost serves a pty host in-process and fans its events out.
type localHost struct {
	client *ptyhost.Client

	mu        sync.Mutex
	listeners map[int]func(ptyhost.HostEvent)
	next      int
}

func newLocalHost(t *testing.T) *localHost {
	t.Helper()
	dir, err := os.MkdirTemp("", "xrt")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "pty.sock")

	svc, err := ptyhost.NewService(ptyhost.Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)
	go func() { _ = ptyhost.Serve(ctx, lis, svc) }()

	client, err := ptyhost.Dial(sock)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		svc.Close()
	})

	h := &localHost{client: client, listeners: map[int]func(ptyhost.HostEvent){}}
	stream, err := client.Events(ctx)
	require.NoError(t, err)
	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				return
			}
			h.fire(ptyhost.HostEvent{Kind: ptyhost.HostTerminal, Terminal: ev})
		}
	}()
	return h
}

func (h *localHost) Client(context.Context) (*ptyhost.Client, error) { return h.client, nil }

func (h *localHost) OnEvent(fn func(ptyhost.HostEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

func (h *localHost) fire(ev ptyhost.HostEvent) {
	h.mu.Lock()
	fns := make([]func(ptyhost.HostEvent), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *localHost) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// collector gathers emitted payloads as JSON.
type collector struct {
	mu  sync.Mutex
	out []string
}

func (c *collector) emit(v any) {
	b, _ := json.Marshal(v)
	c.mu.Lock()
	c.out = append(c.out, string(b))
	c.mu.Unlock()
}

func (c *collector) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.out, "\n")
}

func TestChannelCreateProcessEnvironment(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	host := newLocalHost(t)
	ch := &Channel{
		Host:     host,
		Version:  "1.90.0",
		Language: "en",
		Settings: Settings{Env: map[string]*string{"FROM_SETTINGS": strp("settings")}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := &collector{}
	exits := &collector{}
	require.NoError(t, ch.Listen(ctx, "$onProcessDataEvent", nil, data.emit))
	require.NoError(t, ch.Listen(ctx, "$onProcessExitEvent", nil, exits.emit))

	cwd := t.TempDir()
	arg, err := json.Marshal(map[string]any{
		"shellLaunchConfig": map[string]any{
			"executable": "/bin/sh",
			"args":       []string{"-c", "echo $FROM_SETTINGS:$FROM_LAUNCH:$TERM_PROGRAM:$EXT; pwd"},
			"env":        map[string]any{"FROM_LAUNCH": "launch"},
		},
		"envVariableCollections": []any{
			[]any{"ext.id", []any{[]any{"EXT", map[string]any{"value": "ext", "type": 1, "variable": "EXT"}}}, nil},
		},
		"activeWorkspaceFolder": map[string]any{"uri": map[string]any{"scheme": "file", "path": cwd}},
		"cols":                  80,
		"rows":                  24,
	})
	require.NoError(t, err)

	res, err := ch.Call(ctx, "$createProcess", arg)
	require.NoError(t, err)
	created := res.(createResult)
	assert.Equal(t, cwd, created.ResolvedShellLaunchConfig.Cwd)

	startArg, _ := json.Marshal([]any{created.PersistentTerminalID})
	launchErr, err := ch.Call(ctx, "$start", startArg)
	require.NoError(t, err)
	require.Nil(t, launchErr)

	require.Eventually(t, func() bool {
		return strings.Contains(exits.joined(), `"event":0`)
	}, 10*time.Second, 20*time.Millisecond)
	out := data.joined()
	assert.Contains(t, out, "settings:launch:vscode:ext")
	assert.Contains(t, out, cwd)
}

func TestChannelStrictEnv(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	host := newLocalHost(t)
	ch := &Channel{Host: host, Settings: Settings{Env: map[string]*string{"FROM_SETTINGS": strp("settings")}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := &collector{}
	exits := &collector{}
	require.NoError(t, ch.Listen(ctx, "$onProcessDataEvent", nil, data.emit))
	require.NoError(t, ch.Listen(ctx, "$onProcessExitEvent", nil, exits.emit))

	arg, _ := json.Marshal(map[string]any{
		"shellLaunchConfig": map[string]any{
			"executable": "/bin/sh",
			"args":       []string{"-c", "echo [$FROM_SETTINGS][$TERM_PROGRAM][$ONLY]"},
			"env":        map[string]any{"ONLY": "only"},
			"strictEnv":  true,
		},
		"cols": 80,
		"rows": 24,
	})
	res, err := ch.Call(ctx, "$createProcess", arg)
	require.NoError(t, err)
	startArg, _ := json.Marshal([]any{res.(createResult).PersistentTerminalID})
	_, err = ch.Call(ctx, "$start", startArg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return exits.joined() != "" }, 10*time.Second, 20*time.Millisecond)
	assert.Contains(t, data.joined(), "[][][only]")
}

func TestChannelStartReportsLaunchError(t *testing.T) {
	host := newLocalHost(t)
	ch := &Channel{Host: host}
	ctx := context.Background()

	arg, _ := json.Marshal(map[string]any{
		"shellLaunchConfig": map[string]any{"executable": "/definitely/not/a/shell", "cwd": t.TempDir()},
	})
	res, err := ch.Call(ctx, "$createProcess", arg)
	require.NoError(t, err)
	startArg, _ := json.Marshal([]any{res.(createResult).PersistentTerminalID})
	launchErr, err := ch.Call(ctx, "$start", startArg)
	require.NoError(t, err)
	require.IsType(t, &ptyhost.LaunchError{}, launchErr)
}

func TestChannelUnknownCommandAndEvent(t *testing.T) {
	host := newLocalHost(t)
	ch := &Channel{Host: host}

	_, err := ch.Call(context.Background(), "$nope", nil)
	require.ErrorIs(t, err, ipc.ErrUnknownCommand)
	require.ErrorIs(t, ch.Listen(context.Background(), "$onNope", nil, func(any) {}), ipc.ErrUnknownCommand)
}

func TestChannelGetShellEnvironmentWithoutProvider(t *testing.T) {
	ch := &Channel{}
	res, err := ch.Call(context.Background(), "$getShellEnvironment", nil)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestChannelListenUnsubscribesOnCancel(t *testing.T) {
	host := newLocalHost(t)
	ch := &Channel{Host: host}
	ctx, cancel := context.WithCancel(context.Background())

	got := &collector{}
	require.NoError(t, ch.Listen(ctx, "$onPtyHostExitEvent", nil, got.emit))
	require.NoError(t, ch.Listen(ctx, "$onPtyHostStartEvent", nil, got.emit))
	require.Equal(t, 2, host.count())

	host.fire(ptyhost.HostEvent{Kind: ptyhost.HostExit, ExitCode: 3})
	host.fire(ptyhost.HostEvent{Kind: ptyhost.HostStart})
	assert.Equal(t, "3\nnull", got.joined())

	cancel()
	require.Eventually(t, func() bool { return host.count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestChannelLayoutRoundTrip(t *testing.T) {
	host := newLocalHost(t)
	ch := &Channel{Host: host}
	ctx := context.Background()

	_, err := ch.Call(ctx, "$setTerminalLayoutInfo", json.RawMessage(`{"workspaceId":"ws","tabs":[]}`))
	require.NoError(t, err)
	res, err := ch.Call(ctx, "$getTerminalLayoutInfo", json.RawMessage(`{"workspaceId":"ws"}`))
	require.NoError(t, err)
	layout := res.(*ptyhost.LayoutInfo)
	assert.Equal(t, "ws", layout.WorkspaceID)
}

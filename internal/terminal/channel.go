// Package terminal serves the remoteterminal channel: the client's view of
// the pty host, plus the environment new shells start with.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/antonkrylov/xragent/internal/ipc"
	"github.com/antonkrylov/xragent/internal/ptyhost"
	"github.com/antonkrylov/xragent/internal/userenv"
)

// ChannelName is the ipc channel the client opens for terminals.
const ChannelName = "remoteterminal"

// Host hands out the pty host client and its lifecycle events.
type Host interface {
	Client(ctx context.Context) (*ptyhost.Client, error)
	OnEvent(fn func(ptyhost.HostEvent)) func()
}

// Channel forwards terminal commands to the pty host.
type Channel struct {
	Host     Host
	Logger   *slog.Logger
	Settings Settings

	Version              string
	Language             string
	AppRoot              string
	Built                bool
	WithoutBrowserEnvVar bool
	ShellEnv             userenv.ShellEnvProvider
}

var _ ipc.Channel = (*Channel)(nil)

var errBadArguments = errors.New("terminal: bad arguments")

// decodeArgs unpacks a positional argument array. Missing trailing
// arguments keep their zero value.
func decodeArgs(raw json.RawMessage, out ...any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return fmt.Errorf("%w: %v", errBadArguments, err)
	}
	for i, o := range out {
		if i >= len(parts) {
			break
		}
		if err := json.Unmarshal(parts[i], o); err != nil {
			return fmt.Errorf("%w: argument %d: %v", errBadArguments, i, err)
		}
	}
	return nil
}

func (c *Channel) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Channel) Call(ctx context.Context, command string, arg json.RawMessage) (any, error) {
	switch command {
	case "$getShellEnvironment":
		if c.ShellEnv == nil {
			return map[string]string{}, nil
		}
		return c.ShellEnv.Resolve(ctx), nil
	}

	client, err := c.Host.Client(ctx)
	if err != nil {
		return nil, err
	}
	var (
		id   int
		data string
		flag bool
	)
	switch command {
	case "$createProcess":
		return c.createProcess(ctx, client, arg)
	case "$attachToProcess":
		if err := decodeArgs(arg, &id); err != nil {
			return nil, err
		}
		return nil, client.AttachToProcess(ctx, id)
	case "$detachFromProcess":
		if err := decodeArgs(arg, &id, &flag); err != nil {
			return nil, err
		}
		return nil, client.DetachFromProcess(ctx, id, flag)
	case "$listProcesses":
		return client.ListProcesses(ctx)
	case "$orphanQuestionReply":
		if err := decodeArgs(arg, &id); err != nil {
			return nil, err
		}
		return nil, client.OrphanQuestionReply(ctx, id)
	case "$start":
		if err := decodeArgs(arg, &id); err != nil {
			return nil, err
		}
		launchErr, err := client.Start(ctx, id)
		if err != nil {
			return nil, err
		}
		if launchErr != nil {
			return launchErr, nil
		}
		return nil, nil
	case "$input":
		if err := decodeArgs(arg, &id, &data); err != nil {
			return nil, err
		}
		return nil, client.Input(ctx, id, data)
	case "$processBinary":
		if err := decodeArgs(arg, &id, &data); err != nil {
			return nil, err
		}
		return nil, client.ProcessBinary(ctx, id, data)
	case "$acknowledgeDataEvent":
		var chars int
		if err := decodeArgs(arg, &id, &chars); err != nil {
			return nil, err
		}
		return nil, client.AcknowledgeDataEvent(ctx, id, chars)
	case "$setUnicodeVersion":
		if err := decodeArgs(arg, &id, &data); err != nil {
			return nil, err
		}
		return nil, client.SetUnicodeVersion(ctx, id, data)
	case "$shutdown":
		if err := decodeArgs(arg, &id, &flag); err != nil {
			return nil, err
		}
		return nil, client.Shutdown(ctx, id, flag)
	case "$resize":
		var cols, rows int
		if err := decodeArgs(arg, &id, &cols, &rows); err != nil {
			return nil, err
		}
		return nil, client.Resize(ctx, id, cols, rows)
	case "$clearBuffer":
		if err := decodeArgs(arg, &id); err != nil {
			return nil, err
		}
		return nil, client.ClearBuffer(ctx, id)
	case "$getInitialCwd":
		if err := decodeArgs(arg, &id); err != nil {
			return nil, err
		}
		return client.GetInitialCwd(ctx, id)
	case "$getCwd":
		if err := decodeArgs(arg, &id); err != nil {
			return nil, err
		}
		return client.GetCwd(ctx, id)
	case "$getDefaultSystemShell":
		if err := decodeArgs(arg, &data); err != nil {
			return nil, err
		}
		return client.GetDefaultSystemShell(ctx, data)
	case "$getProfiles":
		var (
			workspaceID    string
			profiles       json.RawMessage
			defaultProfile string
		)
		if err := decodeArgs(arg, &workspaceID, &profiles, &defaultProfile, &flag); err != nil {
			return nil, err
		}
		return client.GetProfiles(ctx, &ptyhost.ProfilesRequest{
			WorkspaceID:             workspaceID,
			DefaultProfile:          defaultProfile,
			IncludeDetectedProfiles: flag,
		})
	case "$getEnvironment":
		return client.GetEnvironment(ctx)
	case "$getTerminalLayoutInfo":
		var req ptyhost.WorkspaceRequest
		if len(arg) > 0 {
			if err := json.Unmarshal(arg, &req); err != nil {
				return nil, fmt.Errorf("%w: %v", errBadArguments, err)
			}
		}
		return client.GetTerminalLayoutInfo(ctx, req.WorkspaceID)
	case "$setTerminalLayoutInfo":
		var layout ptyhost.LayoutInfo
		if err := json.Unmarshal(arg, &layout); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadArguments, err)
		}
		return nil, client.SetTerminalLayoutInfo(ctx, &layout)
	case "$serializeTerminalState":
		var ids []int
		if err := decodeArgs(arg, &ids); err != nil {
			return nil, err
		}
		return client.SerializeTerminalState(ctx, ids)
	case "$reviveTerminalProcesses":
		var req ptyhost.ReviveRequest
		if err := decodeArgs(arg, &req.WorkspaceID, &req.State, &req.DateTimeFormatLocale); err != nil {
			return nil, err
		}
		return nil, client.ReviveTerminalProcesses(ctx, &req)
	case "$getRevivedPtyNewId":
		var workspaceID string
		if err := decodeArgs(arg, &workspaceID, &id); err != nil {
			return nil, err
		}
		newID, ok, err := client.GetRevivedPtyNewID(ctx, workspaceID, id)
		if err != nil || !ok {
			return nil, err
		}
		return newID, nil
	case "$updateTitle":
		req := ptyhost.UpdateTitleRequest{}
		if err := decodeArgs(arg, &req.ID, &req.Title, &req.TitleSource); err != nil {
			return nil, err
		}
		return nil, client.UpdateTitle(ctx, &req)
	case "$updateIcon":
		req := ptyhost.UpdateIconRequest{}
		if err := decodeArgs(arg, &req.ID, &req.UserInitiated, &req.Icon, &req.Color); err != nil {
			return nil, err
		}
		return nil, client.UpdateIcon(ctx, &req)
	case "$reduceConnectionGraceTime":
		return nil, client.ReduceConnectionGraceTime(ctx)
	case "$freePortKillProcess":
		var port int
		if err := decodeArgs(arg, &port); err != nil {
			return nil, err
		}
		return client.FreePortKillProcess(ctx, port)
	}
	return nil, fmt.Errorf("%w: %s", ipc.ErrUnknownCommand, command)
}

// Process events carry the terminal id next to the payload.
type processEvent struct {
	ID    int `json:"id"`
	Event any `json:"event"`
}

type readyEvent struct {
	Pid int    `json:"pid"`
	Cwd string `json:"cwd"`
}

type propertyEvent struct {
	ID       int               `json:"id"`
	Property *ptyhost.Property `json:"property"`
}

type orphanEvent struct {
	ID int `json:"id"`
}

// terminalEventTypes maps channel events to pty host event types.
var terminalEventTypes = map[string]string{
	"$onProcessDataEvent":      ptyhost.EventData,
	"$onProcessReadyEvent":     ptyhost.EventReady,
	"$onProcessExitEvent":      ptyhost.EventExit,
	"$onProcessReplayEvent":    ptyhost.EventReplay,
	"$onDidChangeProperty":     ptyhost.EventProperty,
	"$onProcessOrphanQuestion": ptyhost.EventOrphanQuestion,
}

var hostEventKinds = map[string]ptyhost.HostEventKind{
	"$onPtyHostExitEvent":         ptyhost.HostExit,
	"$onPtyHostStartEvent":        ptyhost.HostStart,
	"$onPtyHostUnresponsiveEvent": ptyhost.HostUnresponsive,
	"$onPtyHostResponsiveEvent":   ptyhost.HostResponsive,
}

// Listen subscribes emit to a terminal or pty host event until ctx ends.
func (c *Channel) Listen(ctx context.Context, event string, _ json.RawMessage, emit func(any)) error {
	var handler func(ptyhost.HostEvent)
	if typ, ok := terminalEventTypes[event]; ok {
		handler = func(ev ptyhost.HostEvent) {
			if ev.Kind != ptyhost.HostTerminal || ev.Terminal == nil || ev.Terminal.Type != typ {
				return
			}
			if payload := terminalPayload(ev.Terminal); payload != nil {
				emit(payload)
			}
		}
	} else if kind, ok := hostEventKinds[event]; ok {
		handler = func(ev ptyhost.HostEvent) {
			if ev.Kind != kind {
				return
			}
			if kind == ptyhost.HostExit {
				emit(ev.ExitCode)
				return
			}
			emit(nil)
		}
	} else {
		return fmt.Errorf("%w: %s", ipc.ErrUnknownCommand, event)
	}
	unsub := c.Host.OnEvent(handler)
	context.AfterFunc(ctx, unsub)
	return nil
}

func terminalPayload(ev *ptyhost.Event) any {
	switch ev.Type {
	case ptyhost.EventData:
		return processEvent{ID: ev.ID, Event: ev.Data}
	case ptyhost.EventReady:
		return processEvent{ID: ev.ID, Event: readyEvent{Pid: ev.Pid, Cwd: ev.Cwd}}
	case ptyhost.EventExit:
		var code any
		if ev.ExitCode != nil {
			code = *ev.ExitCode
		}
		return processEvent{ID: ev.ID, Event: code}
	case ptyhost.EventReplay:
		return processEvent{ID: ev.ID, Event: ev.Replay}
	case ptyhost.EventProperty:
		return propertyEvent{ID: ev.ID, Property: ev.Property}
	case ptyhost.EventOrphanQuestion:
		return orphanEvent{ID: ev.ID}
	}
	return nil
}

type uriComponents struct {
	Scheme string `json:"scheme"`
	Path   string `json:"path"`
}

type workspaceFolder struct {
	URI  uriComponents `json:"uri"`
	Name string        `json:"name"`
}

// createArgs is the single object argument of $createProcess.
type createArgs struct {
	Configuration          map[string]json.RawMessage `json:"configuration"`
	ResolvedVariables      map[string]string          `json:"resolvedVariables"`
	EnvVariableCollections []json.RawMessage          `json:"envVariableCollections"`
	ShellLaunchConfig      ptyhost.ShellLaunchConfig  `json:"shellLaunchConfig"`
	WorkspaceID            string                     `json:"workspaceId"`
	WorkspaceName          string                     `json:"workspaceName"`
	WorkspaceFolders       []workspaceFolder          `json:"workspaceFolders"`
	ActiveWorkspaceFolder  *workspaceFolder           `json:"activeWorkspaceFolder"`
	ShouldPersistTerminal  bool                       `json:"shouldPersistTerminal"`
	Cols                   int                        `json:"cols"`
	Rows                   int                        `json:"rows"`
	UnicodeVersion         string                     `json:"unicodeVersion"`
	ResolverEnv            map[string]*string         `json:"resolverEnv"`
}

type createResult struct {
	PersistentTerminalID      int                       `json:"persistentTerminalId"`
	ResolvedShellLaunchConfig ptyhost.ShellLaunchConfig `json:"resolvedShellLaunchConfig"`
}

func (a *createArgs) workspaceRoot() string {
	if a.ActiveWorkspaceFolder != nil && a.ActiveWorkspaceFolder.URI.Path != "" {
		return a.ActiveWorkspaceFolder.URI.Path
	}
	if len(a.WorkspaceFolders) == 1 {
		return a.WorkspaceFolders[0].URI.Path
	}
	return ""
}

// setting reads one client setting into v. It reports whether it was set.
func (a *createArgs) setting(key string, v any) bool {
	raw, ok := a.Configuration[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (c *Channel) createProcess(ctx context.Context, client *ptyhost.Client, raw json.RawMessage) (any, error) {
	var args createArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadArguments, err)
	}
	slc := args.ShellLaunchConfig
	root := args.workspaceRoot()

	if slc.Executable == "" {
		shell := c.Settings.DefaultShell
		if shell == "" {
			var err error
			if shell, err = client.GetDefaultSystemShell(ctx, runtime.GOOS); err != nil {
				return nil, err
			}
		}
		slc.Executable = shell
	}

	env, lookup := c.environment(ctx, &args, &slc, root)
	resolve := func(s string) string { return resolveVariables(s, lookup, args.ResolvedVariables, root) }
	slc.Executable = resolve(slc.Executable)
	for i, a := range slc.Args {
		slc.Args[i] = resolve(a)
	}

	configuredCwd := c.Settings.Cwd
	args.setting("terminal.integrated.cwd", &configuredCwd)
	home, _ := os.UserHomeDir()
	cwd := initialCwd(resolve(slc.Cwd), resolve(configuredCwd), root, home)
	slc.Cwd = cwd

	id, err := client.CreateProcess(ctx, &ptyhost.CreateProcessRequest{
		ShellLaunchConfig: slc,
		Cwd:               cwd,
		Cols:              args.Cols,
		Rows:              args.Rows,
		UnicodeVersion:    args.UnicodeVersion,
		Env:               env,
		ShouldPersist:     args.ShouldPersistTerminal,
		WorkspaceID:       args.WorkspaceID,
		WorkspaceName:     args.WorkspaceName,
	})
	if err != nil {
		return nil, err
	}
	c.logger().Debug("terminal: created", "id", id, "executable", slc.Executable, "cwd", cwd)
	return createResult{PersistentTerminalID: id, ResolvedShellLaunchConfig: slc}, nil
}

// environment composes the shell environment. The second result is the base
// environment used to resolve ${env:...} references.
func (c *Channel) environment(ctx context.Context, args *createArgs, slc *ptyhost.ShellLaunchConfig, root string) (map[string]string, map[string]string) {
	params := userenv.Params{
		Language:             c.Language,
		AppRoot:              c.AppRoot,
		Built:                c.Built,
		WithoutBrowserEnvVar: c.WithoutBrowserEnvVar,
		Overrides:            args.ResolverEnv,
	}
	if slc.UseShellEnv {
		params.ShellEnv = c.ShellEnv
	}
	base := userenv.Build(ctx, params)
	userenv.RemoveDangerousEnvVariables(base)

	inherit := c.Settings.InheritEnv
	var fromClient bool
	if args.setting("terminal.integrated.inheritEnv", &fromClient) {
		inherit = &fromClient
	}
	if inherit != nil && !*inherit {
		base = minimalEnv(base)
	}

	resolvePtr := func(in map[string]*string) map[string]*string {
		out := make(map[string]*string, len(in))
		for k, v := range in {
			if v == nil {
				out[k] = nil
				continue
			}
			s := resolveVariables(*v, base, args.ResolvedVariables, root)
			out[k] = &s
		}
		return out
	}

	env := make(map[string]string)
	if slc.StrictEnv {
		mergeEnvironments(env, resolvePtr(slc.Env), runtime.GOOS)
	} else {
		for k, v := range base {
			env[k] = v
		}
		platformEnv := c.Settings.Env
		var clientEnv map[string]*string
		if args.setting(platformEnvKey(), &clientEnv) {
			platformEnv = clientEnv
		}
		mergeEnvironments(env, resolvePtr(platformEnv), runtime.GOOS)
		mergeEnvironments(env, resolvePtr(slc.Env), runtime.GOOS)

		detect := c.Settings.DetectLocale
		args.setting("terminal.integrated.detectLocale", &detect)
		addTerminalKeys(env, c.Version, c.Language, detect)

		collections, err := parseCollections(args.EnvVariableCollections)
		if err != nil {
			c.logger().Warn("terminal: ignoring environment collections", "err", err)
		}
		applyCollections(env, collections)
	}
	env["VSCODE_IPC_HOOK_CLI"] = userenv.RandomIPCHandle()
	return env, base
}

// parseCollections decodes [extensionId, [[variable, mutator]...], description]
// tuples.
func parseCollections(raw []json.RawMessage) ([]Collection, error) {
	out := make([]Collection, 0, len(raw))
	for _, entry := range raw {
		var (
			extID   string
			entries [][2]json.RawMessage
		)
		if err := decodeArgs(entry, &extID, &entries); err != nil {
			return out, err
		}
		col := Collection{ExtensionID: extID}
		for _, e := range entries {
			var m Mutator
			if err := json.Unmarshal(e[1], &m); err != nil {
				return out, fmt.Errorf("%w: collection %s: %v", errBadArguments, extID, err)
			}
			if m.Variable == "" {
				_ = json.Unmarshal(e[0], &m.Variable)
			}
			col.Mutators = append(col.Mutators, m)
		}
		out = append(out, col)
	}
	return out, nil
}

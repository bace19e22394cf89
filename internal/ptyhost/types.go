package ptyhost

import "encoding/json"

// ShellLaunchConfig describes the process of a terminal.
type ShellLaunchConfig struct {
	Name              string             `json:"name,omitempty"`
	Executable        string             `json:"executable,omitempty"`
	Args              []string           `json:"args,omitempty"`
	Cwd               string             `json:"cwd,omitempty"`
	Env               map[string]*string `json:"env,omitempty"`
	StrictEnv         bool               `json:"strictEnv,omitempty"`
	UseShellEnv       bool               `json:"useShellEnvironment,omitempty"`
	HideFromUser      bool               `json:"hideFromUser,omitempty"`
	IsFeatureTerminal bool               `json:"isFeatureTerminal,omitempty"`
	Icon              json.RawMessage    `json:"icon,omitempty"`
	Color             string             `json:"color,omitempty"`
	WaitOnExit        json.RawMessage    `json:"waitOnExit,omitempty"`
}

type CreateProcessRequest struct {
	ShellLaunchConfig ShellLaunchConfig `json:"shellLaunchConfig"`
	Cwd               string            `json:"cwd"`
	Cols              int               `json:"cols"`
	Rows              int               `json:"rows"`
	UnicodeVersion    string            `json:"unicodeVersion"`
	Env               map[string]string `json:"env"`
	ExecutableEnv     map[string]string `json:"executableEnv,omitempty"`
	ShouldPersist     bool              `json:"shouldPersist"`
	WorkspaceID       string            `json:"workspaceId"`
	WorkspaceName     string            `json:"workspaceName"`
}

type CreateProcessResponse struct {
	ID int `json:"id"`
}

// IDRequest addresses one terminal.
type IDRequest struct {
	ID int `json:"id"`
}

// LaunchError reports a terminal that could not start.
type LaunchError struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

type StartResponse struct {
	Error *LaunchError `json:"error,omitempty"`
}

type InputRequest struct {
	ID   int    `json:"id"`
	Data string `json:"data"`
}

type ResizeRequest struct {
	ID   int `json:"id"`
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type ShutdownRequest struct {
	ID        int  `json:"id"`
	Immediate bool `json:"immediate"`
}

type AcknowledgeRequest struct {
	ID        int `json:"id"`
	CharCount int `json:"charCount"`
}

type DetachRequest struct {
	ID           int  `json:"id"`
	ForcePersist bool `json:"forcePersist,omitempty"`
}

type UpdateTitleRequest struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	TitleSource int    `json:"titleSource"`
}

type UpdateIconRequest struct {
	ID            int             `json:"id"`
	UserInitiated bool            `json:"userInitiated"`
	Icon          json.RawMessage `json:"icon"`
	Color         string          `json:"color,omitempty"`
}

type UnicodeVersionRequest struct {
	ID      int    `json:"id"`
	Version string `json:"version"`
}

type StringResponse struct {
	Value string `json:"value"`
}

type Empty struct{}

// ProcessDetails describes a live terminal for reconnecting clients.
type ProcessDetails struct {
	ID                int             `json:"id"`
	Pid               int             `json:"pid"`
	Title             string          `json:"title"`
	TitleSource       int             `json:"titleSource"`
	Cwd               string          `json:"cwd"`
	WorkspaceID       string          `json:"workspaceId"`
	WorkspaceName     string          `json:"workspaceName"`
	IsOrphan          bool            `json:"isOrphan"`
	Icon              json.RawMessage `json:"icon,omitempty"`
	Color             string          `json:"color,omitempty"`
	HideFromUser      bool            `json:"hideFromUser,omitempty"`
	IsFeatureTerminal bool            `json:"isFeatureTerminal,omitempty"`
}

type ListProcessesResponse struct {
	Processes []ProcessDetails `json:"processes"`
}

// LayoutTerminal is one pane of a tab. Terminal is a process id on the way
// in and is expanded to its details on the way out.
type LayoutTerminal struct {
	RelativeSize float64         `json:"relativeSize"`
	Terminal     int             `json:"terminal"`
	Details      *ProcessDetails `json:"details,omitempty"`
}

type LayoutTab struct {
	IsActive                  bool             `json:"isActive"`
	ActivePersistentProcessID int              `json:"activePersistentProcessId"`
	Terminals                 []LayoutTerminal `json:"terminals"`
}

type LayoutInfo struct {
	WorkspaceID string      `json:"workspaceId"`
	Tabs        []LayoutTab `json:"tabs"`
}

type WorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

type SerializeRequest struct {
	IDs []int `json:"ids"`
}

type ReviveRequest struct {
	WorkspaceID          string `json:"workspaceId"`
	State                string `json:"state"`
	DateTimeFormatLocale string `json:"dateTimeFormatLocale,omitempty"`
}

type RevivedIDRequest struct {
	WorkspaceID string `json:"workspaceId"`
	ID          int    `json:"id"`
}

type RevivedIDResponse struct {
	ID    int  `json:"id"`
	Found bool `json:"found"`
}

type ShellRequest struct {
	OS string `json:"os,omitempty"`
}

type EnvironmentResponse struct {
	Env map[string]string `json:"env"`
}

type Profile struct {
	ProfileName string   `json:"profileName"`
	Path        string   `json:"path"`
	Args        []string `json:"args,omitempty"`
	IsDefault   bool     `json:"isDefault,omitempty"`
}

type ProfilesRequest struct {
	WorkspaceID             string `json:"workspaceId"`
	DefaultProfile          string `json:"defaultProfile,omitempty"`
	IncludeDetectedProfiles bool   `json:"includeDetectedProfiles"`
}

type ProfilesResponse struct {
	Profiles []Profile `json:"profiles"`
}

type PortRequest struct {
	Port int `json:"port"`
}

type PortResponse struct {
	Port      int `json:"port"`
	ProcessID int `json:"processId"`
}

// Event types of the Events stream.
const (
	EventData           = "data"
	EventReady          = "ready"
	EventExit           = "exit"
	EventReplay         = "replay"
	EventProperty       = "property"
	EventOrphanQuestion = "orphanQuestion"
)

// Property names carried by property events.
const (
	PropertyTitle          = "title"
	PropertyIcon           = "icon"
	PropertyCwd            = "cwd"
	PropertyInitialCwd     = "initialCwd"
	PropertyUnicodeVersion = "unicodeVersion"
)

type ReplayChunk struct {
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
	Data string `json:"data"`
}

type ReplayEvent struct {
	Events []ReplayChunk `json:"events"`
}

type Property struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Event is one message of the Events stream.
type Event struct {
	Type     string       `json:"type"`
	ID       int          `json:"id"`
	Data     string       `json:"data,omitempty"`
	Pid      int          `json:"pid,omitempty"`
	Cwd      string       `json:"cwd,omitempty"`
	ExitCode *int         `json:"exitCode,omitempty"`
	Replay   *ReplayEvent `json:"replay,omitempty"`
	Property *Property    `json:"property,omitempty"`
}

type EventsRequest struct{}

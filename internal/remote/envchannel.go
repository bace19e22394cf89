package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/antonkrylov/xragent/internal/ipc"
)

// EnvironmentChannelName is the management channel describing the agent.
const EnvironmentChannelName = "remoteextensionsenvironment"

// EnvironmentData answers getEnvironmentData.
type EnvironmentData struct {
	Pid                   int    `json:"pid"`
	ConnectionToken       string `json:"connectionToken"`
	OS                    string `json:"os"`
	Arch                  string `json:"arch"`
	Commit                string `json:"commit,omitempty"`
	Version               string `json:"version,omitempty"`
	ReconnectionGraceTime int64  `json:"reconnectionGraceTime"`
	UserHome              string `json:"userHome"`
	TmpDir                string `json:"tmpDir"`
}

type environmentChannel struct {
	s *Server
}

func (c *environmentChannel) Call(_ context.Context, command string, _ json.RawMessage) (any, error) {
	switch command {
	case "getEnvironmentData":
		home, _ := os.UserHomeDir()
		return &EnvironmentData{
			Pid:                   os.Getpid(),
			ConnectionToken:       c.s.token.Value(),
			OS:                    runtime.GOOS,
			Arch:                  runtime.GOARCH,
			Commit:                c.s.cfg.Commit,
			Version:               c.s.cfg.Version,
			ReconnectionGraceTime: c.s.cfg.ReconnectionGraceTime.Milliseconds(),
			UserHome:              home,
			TmpDir:                os.TempDir(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ipc.ErrUnknownCommand, command)
	}
}

func (c *environmentChannel) Listen(_ context.Context, event string, _ json.RawMessage, _ func(any)) error {
	return fmt.Errorf("%w: %s", ipc.ErrUnknownCommand, event)
}

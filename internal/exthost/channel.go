package exthost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/antonkrylov/xragent/internal/ipc"
	"github.com/antonkrylov/xragent/internal/userenv"
)

// ChannelName is the channel the client talks to the extension host on.
const ChannelName = "extensionHost"

// Environment describes the extension host process.
type Environment struct {
	Pid  int               `json:"pid"`
	OS   string            `json:"os"`
	Arch string            `json:"arch"`
	Env  map[string]string `json:"env"`
}

type hostChannel struct{}

func (hostChannel) Call(_ context.Context, command string, _ json.RawMessage) (any, error) {
	switch command {
	case "$ping":
		return "pong", nil
	case "$getEnvironment":
		return Environment{
			Pid:  os.Getpid(),
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
			Env:  userenv.FromEnviron(os.Environ()),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ipc.ErrUnknownCommand, command)
}

func (hostChannel) Listen(_ context.Context, event string, _ json.RawMessage, _ func(any)) error {
	return fmt.Errorf("%w: %s", ipc.ErrUnknownCommand, event)
}

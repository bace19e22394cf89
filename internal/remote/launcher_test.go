//go:build unix

package remote

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLauncherDetectsExitDespiteInheritedOutput(t *testing.T) {
	l := &ExecLauncher{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	// The background sleep keeps stdout and stderr open after sh exits.
	p, err := l.Launch(context.Background(), LaunchSpec{
		Path: "/bin/sh",
		Args: []string{"-c", "sleep 10 & echo started; exit 3"},
	})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(outputWaitDelay + 5*time.Second):
		t.Fatal("exit was not detected while a grandchild held the output pipes")
	}
	code, signal, err := p.ExitStatus()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Empty(t, signal)
}

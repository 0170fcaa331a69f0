package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommand_PrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evloop.yml")
	require.NoError(t, os.WriteFile(path, []byte("tick_quantum_us: 250\nlog_level: debug\n"), 0o644))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "tick_quantum_us: 250")
	assert.Contains(t, out.String(), "signal_buffer: 8")
	assert.Contains(t, out.String(), "log_level: debug")
}

func TestRunCommand_BoundedHeartbeatExits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := newRootCommand()
	cmd.SetArgs([]string{"run", "--config", "", "--heartbeat", "5ms", "--beats", "2"})
	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.NoError(t, ctx.Err())
}

func TestRunCommand_RejectsArgs(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "extra"})
	assert.Error(t, cmd.Execute())
}

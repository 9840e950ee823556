package supervisor_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amiko-app/plugin-runtime/supervisor"
	"github.com/amiko-app/plugin-runtime/wire"
)

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecLauncherStreamsEventsUntilExit(t *testing.T) {
	requirePOSIX(t)
	l := supervisor.NewExecLauncher("/bin/sh",
		supervisor.WithExecArgs("-c", `echo '{"type":"ready"}'; echo last words 1>&2`))

	h, err := l.Launch(context.Background())
	require.NoError(t, err)
	assert.Positive(t, h.PID())

	var events []wire.Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	<-h.Done()

	assert.NoError(t, h.Err())
	require.Len(t, events, 1)
	assert.Equal(t, wire.EventReady, events[0].Type)
}

func TestExecLauncherSkipsMalformedOutput(t *testing.T) {
	requirePOSIX(t)
	l := supervisor.NewExecLauncher("/bin/sh",
		supervisor.WithExecArgs("-c", `echo not-json; echo '{"type":"say","pluginId":"p1","text":"hi"}'`))

	h, err := l.Launch(context.Background())
	require.NoError(t, err)

	var events []wire.Event
	for ev := range h.Events() {
		events = append(events, ev)
	}
	<-h.Done()

	require.Len(t, events, 1, "garbage lines are dropped, not fatal")
	assert.Equal(t, wire.EventSay, events[0].Type)
	assert.Equal(t, "hi", events[0].Text)
}

func TestExecLauncherKillTerminates(t *testing.T) {
	requirePOSIX(t)
	l := supervisor.NewExecLauncher("sleep", supervisor.WithExecArgs("30"))

	h, err := l.Launch(context.Background())
	require.NoError(t, err)

	h.Kill()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("killed host did not terminate")
	}
	assert.Error(t, h.Err())
	for range h.Events() {
	}
}

func TestExecLauncherSpawnFailure(t *testing.T) {
	l := supervisor.NewExecLauncher(filepath.Join(t.TempDir(), "no-such-binary"))
	_, err := l.Launch(context.Background())
	require.Error(t, err)
}

func TestExecLauncherCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := supervisor.NewExecLauncher("sleep", supervisor.WithExecArgs("30"))
	_, err := l.Launch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

package main

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPercentCommand(t *testing.T) {
	out, err := executeCommand(t, "percent", "15.5", "--cells", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "percent:  58.2")
	assert.Contains(t, out, "display:  58%")
	assert.Contains(t, out, "bars:     5/10")
}

func TestPercentCommand_FullPack(t *testing.T) {
	out, err := executeCommand(t, "percent", "16.8", "--cells", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "percent:  100.0")
	assert.Contains(t, out, "display:  100%")
	assert.Contains(t, out, "bars:     10/10")
}

func TestPercentCommand_Errors(t *testing.T) {
	_, err := executeCommand(t, "percent", "abc")
	assert.Error(t, err)

	_, err = executeCommand(t, "percent", "15.0", "--cells", "0")
	assert.Error(t, err)

	_, err = executeCommand(t, "percent")
	assert.Error(t, err)
}

func TestRenderCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	_, err := executeCommand(t, "render", "16.8", "--cells", "4", "-o", path)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	// Top bar lit green
	r, g, b, _ := img.At(64, 43).RGBA()
	assert.Equal(t, [3]uint32{0, 0xffff, 0}, [3]uint32{r, g, b})
}

func TestRenderCommand_Disconnected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	_, err := executeCommand(t, "render", "16.8", "--disconnected", "-o", path)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)

	r, g, b, _ := img.At(64, 64).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0, 0}, [3]uint32{r, g, b})
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	cmd := NewRunCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--link", "local", "--cells", "3", "--listen", ":9000"}))

	cfg := DefaultConfig()
	var flags runFlags
	flags.link, flags.cells, flags.listen = "local", 3, ":9000"
	require.NoError(t, flags.apply(cmd, cfg))

	assert.Equal(t, "local", cfg.Link)
	assert.Equal(t, 3, cfg.Battery.DefaultCells)
	assert.Equal(t, ":9000", cfg.Status.Listen)
	assert.Equal(t, "localhost", cfg.MQTT.Broker, "unset flags leave the config alone")
}

func TestSafeGo_RestartsAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan struct{})
	SafeGo(ctx, cancel, "flaky", func(ctx context.Context) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "worker was not restarted")
	}
	assert.Equal(t, int32(2), runs.Load())
	assert.NoError(t, ctx.Err(), "a single panic does not shut down")
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func TestGetLoggingWriter_Stderr(t *testing.T) {
	w, err := GetLoggingWriter("")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)
}

func TestGetLoggingWriter_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nested", "battdisplay.log")
	w, err := GetLoggingWriter(path)
	require.NoError(t, err)

	lj, ok := w.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, path, lj.Filename)
	defer lj.Close()

	_, err = lj.Write([]byte("hello\n"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestReadlineWriter_WritesToOutput(t *testing.T) {
	var buf bytes.Buffer
	w := &readlineWriter{}
	w.setOutput(&buf)

	n, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "line\n", buf.String())
}

func TestSetupLogger_RejectsUnknownLevel(t *testing.T) {
	assert.Error(t, setupLogger("loud", ""))
	assert.NoError(t, setupLogger("debug", ""))
}

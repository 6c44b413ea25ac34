package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func setupLogger(level string, logFile string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(lvl)

	writer, err := GetLoggingWriter(logFile)
	if err != nil {
		return err
	}
	rlWriter.setOutput(writer)
	logrus.SetOutput(rlWriter)

	logrus.SetFormatter(&logrus.TextFormatter{})
	if logFile == "" && term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}
	return nil
}

// GetLoggingWriter returns a new io.Writer suitable for logging.
func GetLoggingWriter(logFile string) (io.Writer, error) {
	var writer io.Writer = os.Stderr
	if logFile != "" {
		dirname := path.Dir(logFile)
		if _, err := os.Stat(dirname); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to create log folder")
			}
			if err := os.MkdirAll(dirname, 0o711); err != nil {
				return nil, fmt.Errorf("failed to create log folder")
			}
		}
		writer = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    5, // megabytes
			MaxBackups: 2,
			MaxAge:     28, // days
		}
	}
	return writer, nil
}

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	mu  sync.Mutex
	out io.Writer
	rl  *readline.Instance
}

func (w *readlineWriter) setOutput(out io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out = out
}

func (w *readlineWriter) setReadline(rl *readline.Instance) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rl = rl
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := w.out
	if out == nil {
		out = os.Stderr
	}
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = out.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

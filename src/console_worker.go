package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// consoleColumns are the fields printed by watch, in order
var consoleColumns = []string{"link", "voltage", "percent", "cells", "bars", "min", "max"}

// snapshotValues formats the watched fields of a snapshot
func snapshotValues(s Snapshot) []string {
	linkState := "down"
	if s.Connected {
		linkState = "up"
	}
	percent := "--"
	if s.Valid {
		percent = strconv.Itoa(s.DisplayPercent())
	}
	return []string{
		linkState,
		fmt.Sprintf("%.2f", s.Voltage),
		percent,
		strconv.Itoa(s.CellCount),
		strconv.Itoa(s.LitSegments),
		fmt.Sprintf("%.2f", s.MinVoltage),
		fmt.Sprintf("%.2f", s.MaxVoltage),
	}
}

var highlight = color.New(color.FgYellow).SprintFunc()

// ConsoleState tracks what the console is showing
type ConsoleState struct {
	watching      bool
	headerPrinted bool
	columnWidths  []int
	prevValues    []string
	latest        *Snapshot
	out           io.Writer
	rl            *readline.Instance
	cellOverrides chan<- int
}

// NewConsoleState creates a console writing to out. cellOverrides may be nil.
func NewConsoleState(out io.Writer, cellOverrides chan<- int) *ConsoleState {
	return &ConsoleState{out: out, cellOverrides: cellOverrides}
}

// SetReadline sets the readline instance for proper output handling
func (s *ConsoleState) SetReadline(rl *readline.Instance) {
	s.rl = rl
}

// print outputs a line, handling readline prompt properly
func (s *ConsoleState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.rl != nil {
		s.rl.Clean()
		_, _ = fmt.Fprintln(s.out, line)
		s.rl.Refresh()
		return
	}
	_, _ = fmt.Fprintln(s.out, line)
}

// UpdateData stores the latest snapshot and prints a row when watching
func (s *ConsoleState) UpdateData(snap Snapshot) {
	s.latest = &snap
	if s.watching {
		s.PrintRow(snap)
	}
}

// PrintStatus prints the latest snapshot once
func (s *ConsoleState) PrintStatus() {
	if s.latest == nil {
		s.print("No reading yet")
		return
	}
	values := snapshotValues(*s.latest)
	for i, name := range consoleColumns {
		s.print("  %-8s %s", name, values[i])
	}
	s.print("  %-8s %d", "samples", s.latest.Samples)
	last := "never"
	if !s.latest.LastSampleAt.IsZero() {
		last = s.latest.LastSampleAt.Format(time.TimeOnly)
	}
	s.print("  %-8s %s", "last", last)
}

// PrintHeader prints the column headers
func (s *ConsoleState) PrintHeader() {
	s.columnWidths = make([]int, len(consoleColumns))
	for i, name := range consoleColumns {
		s.columnWidths[i] = max(len(name), 6)
	}

	parts := make([]string, 0, len(consoleColumns))
	for i, name := range consoleColumns {
		parts = append(parts, fmt.Sprintf("%*s", s.columnWidths[i], name))
	}
	s.print("%s", strings.Join(parts, " | "))
	s.headerPrinted = true
	s.prevValues = nil
}

// PrintRow prints the snapshot values, only if one changed, highlighting the changed ones
func (s *ConsoleState) PrintRow(snap Snapshot) {
	if !s.headerPrinted {
		s.PrintHeader()
	}

	values := snapshotValues(snap)
	parts := make([]string, 0, len(values))
	anyChanged := false

	for i, value := range values {
		width := max(s.columnWidths[i], len(value))
		s.columnWidths[i] = width

		cell := fmt.Sprintf("%*s", width, value)
		if s.prevValues == nil || s.prevValues[i] != value {
			anyChanged = true
			cell = highlight(cell)
		}
		parts = append(parts, cell)
	}

	if anyChanged {
		s.print("%s", strings.Join(parts, " | "))
		s.prevValues = values
	}
}

// handleConsoleCommand processes a console command
func handleConsoleCommand(cmd string, state *ConsoleState) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "status":
		state.PrintStatus()

	case "watch":
		if state.watching {
			state.print("Already watching")
			return
		}
		state.watching = true
		state.headerPrinted = false
		if state.latest != nil {
			state.PrintRow(*state.latest)
		}

	case "unwatch":
		state.watching = false
		state.print("Stopped watching")

	case "cells":
		if len(parts) != 2 {
			state.print("Usage: cells <n>")
			return
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil || n <= 0 {
			state.print("Error: cell count must be a positive integer")
			return
		}
		if state.cellOverrides == nil {
			state.print("Error: cell count cannot be changed")
			return
		}
		select {
		case state.cellOverrides <- n:
			state.print("Cell count set to %d", n)
		default:
			state.print("Error: display loop busy, try again")
		}

	case "help":
		state.print("Commands:")
		state.print("  status      - Show the latest reading")
		state.print("  watch       - Print a row whenever the reading changes")
		state.print("  unwatch     - Stop watching")
		state.print("  cells <n>   - Override the cell count")
		state.print("  help        - Show this help")

	default:
		state.print("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for the console history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	appCache := filepath.Join(cacheDir, "battdisplay")
	_ = os.MkdirAll(appCache, 0750)
	return filepath.Join(appCache, "console_history")
}

// consoleWorker provides an interactive view of the display state
func consoleWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	snapshots <-chan Snapshot,
	cellOverrides chan<- int,
) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		logrus.WithError(err).Error("console: readline init failed")
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.setReadline(nil)
	}()

	// Route log output through the readline-aware writer
	rlWriter.setReadline(rl)

	logrus.Info("console started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	state := NewConsoleState(os.Stdout, cellOverrides)
	state.SetReadline(rl)

	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case cmd := <-commandChan:
			handleConsoleCommand(cmd, state)
		case snap := <-snapshots:
			state.UpdateData(snap)
		case <-ctx.Done():
			logrus.Info("console stopped")
			return
		}
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	logLevel   = "info"
	configPath = ""
)

// SafeGo launches a goroutine with panic recovery and retry logic.
// On panic, retries with exponential backoff (max 10 retries).
// Retry count resets if worker ran for 2+ minutes before failing.
// After exhausting retries, cancels context to trigger shutdown.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	const maxRetries = 10
	const maxDelay = 10 * time.Minute
	const resetAfter = 2 * time.Minute

	go func() {
		retries := 0
		delay := time.Second

		for {
			startTime := time.Now()
			var panicValue any

			func() {
				defer func() {
					panicValue = recover()
				}()
				fn(ctx)
			}()

			// Normal return covers both context cancellation and unexpected completion
			if panicValue == nil {
				return
			}

			if time.Since(startTime) >= resetAfter {
				retries = 0
				delay = time.Second
			}

			retries++
			log := logrus.WithFields(logrus.Fields{"worker": name, "attempt": retries, "maxRetries": maxRetries})
			log.Errorf("panic: %v", panicValue)

			if retries >= maxRetries {
				log.Error("worker failed too many times, shutting down")
				cancel()
				return
			}

			log.Warnf("retrying in %v", delay)
			select {
			case <-time.After(delay):
				delay = min(delay*2, maxDelay)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "battdisplay",
		Short: "battdisplay shows battery pack voltage and charge on a small screen",
		Long: `battdisplay subscribes to a battery voltage topic, maps the voltage onto a
lithium-ion discharge curve and draws a voltage readout plus a ten bar meter.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// .env is optional, it only supplies MQTT credentials
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
			}
			return setupLogger(logLevel, "")
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "config file (.toml, .yaml or .yml)")
	cmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error, fatal, panic)")

	cmd.AddCommand(
		NewRunCommand(),
		NewPercentCommand(),
		NewRenderCommand(),
		NewVersionCommand(),
	)

	return cmd
}

package main

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ryansname/battdisplay/src/curve"
	"github.com/ryansname/battdisplay/src/link"
	"github.com/ryansname/battdisplay/src/meter"
	"github.com/ryansname/battdisplay/src/preview"
)

// runFlags override the config file when set on the command line
type runFlags struct {
	link    string
	broker  string
	cells   int
	listen  string
	console bool
	preview bool
	publish bool
}

func NewRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the display",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return errors.Wrap(err, "validating flags")
			}
			if !cmd.Flags().Changed("log-level") {
				logLevel = cfg.LogLevel
			}
			if err := setupLogger(logLevel, cfg.LogFile); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.link, "link", "", "link backend (mqtt, modbus, dbus, local)")
	f.StringVar(&flags.broker, "broker", "", "MQTT broker host")
	f.IntVar(&flags.cells, "cells", 0, "cell count used when the parameter store has none")
	f.StringVar(&flags.listen, "listen", "", "status API listen address, e.g. :8080")
	f.BoolVar(&flags.console, "console", false, "start the interactive console")
	f.BoolVar(&flags.preview, "preview", false, "mirror the screen in a desktop window")
	f.BoolVar(&flags.publish, "publish", false, "publish the percentage to Home Assistant over MQTT")

	return cmd
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *Config) error {
	changed := cmd.Flags().Changed
	if changed("link") {
		cfg.Link = f.link
	}
	if changed("broker") {
		cfg.MQTT.Broker = f.broker
	}
	if changed("cells") {
		cfg.Battery.DefaultCells = f.cells
	}
	if changed("listen") {
		cfg.Status.Listen = f.listen
	}
	if changed("console") {
		cfg.Console = f.console
	}
	if changed("preview") {
		cfg.Display.Preview = f.preview
	}
	if changed("publish") {
		cfg.MQTT.Publish = f.publish
	}
	return cfg.Validate()
}

func run(cfg *Config) error {
	logrus.WithFields(cfg.LogrusFields()).Info("config loaded")

	if cfg.Display.Preview && !preview.Available {
		return errors.New("this build has no preview window, rebuild with -tags preview")
	}

	l, err := cfg.NewLink()
	if err != nil {
		return err
	}

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fb := meter.NewFramebuffer(int16(cfg.Display.Width), int16(cfg.Display.Height))
	renderer := meter.NewRenderer(fb)
	latest := &SnapshotStore{}

	// Create channels for communication between workers
	snapshotChan := make(chan Snapshot, 10)
	cellOverrideChan := make(chan int, 1)
	var subscribers []*snapshotSubscriber

	if cfg.MQTT.Publish {
		pub, ok := l.(link.Publisher)
		if !ok {
			return errors.Errorf("%s link cannot publish", cfg.Link)
		}
		mqttOutgoingChan := make(chan MQTTMessage, 100)
		SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
			mqttSenderWorker(ctx, mqttOutgoingChan, pub, time.Second)
		})

		sender := NewMQTTSender(mqttOutgoingChan)
		entity := cfg.Battery.EntityConfig()
		if err := sender.CreateBatteryEntities(entity); err != nil {
			return errors.Wrap(err, "creating Home Assistant entities")
		}
		logrus.Info("Home Assistant entities created")

		publishChan := make(chan Snapshot, 10)
		subscribers = append(subscribers, newSnapshotSubscriber("percentage-publisher", publishChan))
		interval := time.Duration(cfg.MQTT.PublishIntervalMillis) * time.Millisecond
		SafeGo(ctx, cancel, "percentage-publisher", func(ctx context.Context) {
			percentagePublisherWorker(ctx, publishChan, sender, entity, interval)
		})
	}

	if cfg.Console {
		consoleChan := make(chan Snapshot, 10)
		subscribers = append(subscribers, newSnapshotSubscriber("console", consoleChan))
		SafeGo(ctx, cancel, "console-worker", func(ctx context.Context) {
			consoleWorker(ctx, cancel, consoleChan, cellOverrideChan)
		})
	}

	SafeGo(ctx, cancel, "broadcast-worker", func(ctx context.Context) {
		broadcastWorker(ctx, snapshotChan, subscribers)
	})

	if cfg.Status.Listen != "" {
		SafeGo(ctx, cancel, "status-server", func(ctx context.Context) {
			statusServerWorker(ctx, cfg.Status.Listen, latest, fb)
		})
	}

	loop := NewDisplayLoop(cfg.Battery.LoopConfig(cfg.Display), l, renderer, cellOverrideChan, snapshotChan, latest)
	loopDone := make(chan struct{})
	SafeGo(ctx, cancel, "display-loop", func(ctx context.Context) {
		err := loop.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("display loop failed")
			cancel()
		}
		close(loopDone)
	})

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if cfg.Display.Preview {
		// The window owns the main goroutine until it is closed
		go func() {
			select {
			case <-sigChan:
			case <-ctx.Done():
			}
			os.Exit(0)
		}()
		if err := preview.Run(fb, "battdisplay", cfg.Display.PreviewScale); err != nil {
			logrus.WithError(err).Error("preview window failed")
		}
		cancel()
		waitForLoop(loopDone)
		return nil
	}

	select {
	case sig := <-sigChan:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
	case <-ctx.Done():
		logrus.Info("shutting down due to error")
	}
	cancel()
	waitForLoop(loopDone)
	return nil
}

func waitForLoop(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logrus.Warn("display loop did not stop in time")
	}
}

func parseVoltage(arg string) (float64, error) {
	voltage, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing voltage %q", arg)
	}
	return voltage, nil
}

func NewPercentCommand() *cobra.Command {
	var cells int

	cmd := &cobra.Command{
		Use:   "percent <voltage>",
		Short: "Print the charge percentage for a pack voltage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			voltage, err := parseVoltage(args[0])
			if err != nil {
				return err
			}
			percent, err := curve.Percentage(voltage, cells)
			if err != nil {
				return err
			}
			ratio := curve.Ratio(percent)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "voltage:  %.2f V (%.3f V/cell)\n", voltage, voltage/float64(cells))
			fmt.Fprintf(out, "percent:  %.1f\n", percent)
			fmt.Fprintf(out, "display:  %d%%\n", int(ratio*100))
			fmt.Fprintf(out, "bars:     %d/%d\n", meter.CountLit(ratio), meter.SegmentCount)
			return nil
		},
	}

	cmd.Flags().IntVar(&cells, "cells", 4, "number of series cells")
	return cmd
}

func NewRenderCommand() *cobra.Command {
	var (
		cells        int
		output       string
		width        int
		height       int
		disconnected bool
	)

	cmd := &cobra.Command{
		Use:   "render <voltage>",
		Short: "Render one frame to a PNG file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			voltage, err := parseVoltage(args[0])
			if err != nil {
				return err
			}
			display := DisplayConfig{Width: width, Height: height, RefreshMillis: 1}
			if err := display.Validate(); err != nil {
				return err
			}

			fb := meter.NewFramebuffer(int16(width), int16(height))
			d := NewBatteryDisplay(meter.NewRenderer(fb))
			d.SetCellCount(cells)
			d.OnVoltage(float32(voltage))
			if err := d.Update(!disconnected); err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return errors.Wrap(err, "creating output")
			}
			defer f.Close()
			if err := png.Encode(f, fb.Snapshot()); err != nil {
				return errors.Wrap(err, "encoding png")
			}
			logrus.WithField("file", output).Info("frame written")
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&cells, "cells", 4, "number of series cells")
	f.StringVarP(&output, "output", "o", "battery.png", "output file")
	f.IntVar(&width, "width", 128, "screen width")
	f.IntVar(&height, "height", 128, "screen height")
	f.BoolVar(&disconnected, "disconnected", false, "render the disconnected screen")
	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	}
}

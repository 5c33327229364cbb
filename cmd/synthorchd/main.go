// Command synthorchd runs soundfont synthesizer engines from command line
// flags or a YAML configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register MIDI driver

	"github.com/chenyanchen/synthorch"
	"github.com/chenyanchen/synthorch/config"
	"github.com/chenyanchen/synthorch/driver/gomidi"
	"github.com/chenyanchen/synthorch/driver/null"
	"github.com/chenyanchen/synthorch/driver/oto"
	"github.com/chenyanchen/synthorch/exp/reload"
	"github.com/chenyanchen/synthorch/synth/melty"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "synthorchd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, soundfonts, err := parseFlags(flag.NewFlagSet("synthorchd", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	logger := initLogger(opts.debug)

	if opts.listMidi {
		for _, port := range gomidi.Ports() {
			fmt.Println(port)
		}
		return nil
	}

	reg := synthorch.NewRegistry()
	if err := registerDrivers(reg); err != nil {
		return fmt.Errorf("register drivers: %w", err)
	}
	m := synthorch.NewManager(
		melty.NewBackend(melty.WithLogger(logger)),
		synthorch.WithLogger(logger),
		synthorch.WithRegistry(reg),
	)

	cfg, err := initialConfig(opts, soundfonts)
	if err != nil {
		return err
	}
	_, warnings, err := config.Restore(m, cfg)
	for _, w := range warnings {
		logger.Warn("config restore", "err", w)
	}
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		logger.Error("some engines failed to start", "err", err)
	}
	fmt.Println(renderStatus(m))
	if opts.graph {
		for _, info := range m.Engines() {
			if in, err := m.Instance(info.ID); err == nil {
				fmt.Print(in.Graph().DOT())
			}
		}
	}

	reconciler, err := reload.New(m, cfg,
		reload.WithAutoRestart(opts.autoRestart),
		reload.WithAutoStart(true),
		reload.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		if opts.configPath == "" {
			logger.Info("SIGHUP ignored without -config")
			continue
		}
		next, err := config.Load(opts.configPath)
		if err != nil {
			logger.Error("reload config", "err", err)
			continue
		}
		result, err := reconciler.Reconcile(ctx, next)
		for _, w := range result.Warnings {
			logger.Warn("reload", "err", w)
		}
		if err != nil {
			logger.Error("reload config", "err", err)
		}
		logger.Info("config reloaded",
			"added", result.Added,
			"removed", result.Removed,
			"updated", result.Updated,
			"pendingRestart", result.PendingRestart,
			"restarted", result.Restarted,
		)
		fmt.Println(renderStatus(m))
	}
	signal.Stop(sigCh)

	var errs []error
	if opts.savePath != "" {
		if err := config.Save(opts.savePath, config.Capture(m)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func initLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug,
	})
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func registerDrivers(reg *synthorch.Registry) error {
	return errors.Join(
		oto.Register(reg),
		null.Register(reg),
		gomidi.Register(reg),
		registerPortaudio(reg),
	)
}

// initialConfig loads -config, or describes one engine from the flags.
func initialConfig(opts options, soundfonts []string) (config.File, error) {
	if opts.configPath != "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return config.File{}, err
		}
		if len(soundfonts) > 0 && len(cfg.Engines) > 0 {
			// Files on the command line go on top of the first engine's stack.
			extra := make([]config.Soundfont, 0, len(soundfonts))
			for i := len(soundfonts) - 1; i >= 0; i-- {
				extra = append(extra, config.Soundfont{Path: soundfonts[i], BankOffset: cfg.Engines[0].Settings.BankOffsetDefault})
			}
			cfg.Engines[0].Soundfonts = append(extra, cfg.Engines[0].Soundfonts...)
		}
		return cfg, nil
	}

	rec := config.Engine{Name: opts.name, Settings: opts.settings}
	// The last file named is loaded last and ends on top.
	for i := len(soundfonts) - 1; i >= 0; i-- {
		rec.Soundfonts = append(rec.Soundfonts, config.Soundfont{Path: soundfonts[i], BankOffset: opts.settings.BankOffsetDefault})
	}
	cfg := config.File{Engines: []config.Engine{rec}}
	return cfg, cfg.Validate()
}

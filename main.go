package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/kapitanov/chip8emu/internal/hal"
	"github.com/kapitanov/chip8emu/internal/hal/sdlhal"
	"github.com/kapitanov/chip8emu/internal/hal/shinyhal"
	"github.com/kapitanov/chip8emu/internal/hal/termhal"
	"github.com/kapitanov/chip8emu/internal/rom"
	"github.com/kapitanov/chip8emu/internal/vm"
	"github.com/spf13/cobra"
)

func init() {
	// SDL and shiny want their event loops on the main thread.
	runtime.LockOSThread()
}

func main() {
	cmd := &cobra.Command{
		Use:           fmt.Sprintf("%s PATH_TO_ROM_FILE", filepath.Base(os.Args[0])),
		Short:         "Run emulator",
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	verbose := cmd.Flags().BoolP("verbose", "v", false, "enable verbose logging")
	frontend := cmd.Flags().StringP("frontend", "f", "sdl", "user interface: sdl, term or shiny")
	cpuHz := cmd.Flags().Int("cpu-hz", vm.DefaultCPUSpeed, "instruction clock rate in Hz")
	timerHz := cmd.Flags().Int("timer-hz", vm.DefaultTimerSpeed, "delay and sound timer rate in Hz")
	watch := cmd.Flags().BoolP("watch", "w", false, "reload and reset when the ROM file changes")

	cmd.RunE = func(_ *cobra.Command, args []string) error {
		setLogger(os.Stderr, *verbose)

		// Everything that can fail on bad input is checked before a
		// frontend takes over the screen.
		if err := checkSpeeds(*cpuHz, *timerHz); err != nil {
			return err
		}

		path := args[0]
		bs, err := rom.Read(path)
		if err != nil {
			return err
		}

		fe, shutdown, err := newFrontend(*frontend, *verbose)
		if err != nil {
			return err
		}
		defer shutdown()

		machine := vm.New(vm.WithHost(fe), vm.WithCPUSpeed(*cpuHz), vm.WithTimerSpeed(*timerHz))
		if err := machine.Load(bs); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if *watch {
			go func() {
				err := rom.Watch(ctx, path, func(bs []byte) {
					if err := machine.Load(bs); err != nil {
						slog.Warn("unable to reload program", "err", err)
						return
					}
					machine.Reset()
				})
				if err != nil {
					slog.Error("rom watcher stopped", "err", err)
				}
			}()
		}

		if err := machine.Start(); err != nil {
			return err
		}
		defer machine.Close()

		return fe.Run(ctx, machine)
	}

	cmd.SetArgs(os.Args[1:])
	if err := cmd.Execute(); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func setLogger(w io.Writer, verbose bool) {
	loggerOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		loggerOpts.Level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(w, loggerOpts)))
}

func checkSpeeds(cpuHz, timerHz int) error {
	if err := vm.CheckSpeed(cpuHz); err != nil {
		return fmt.Errorf("--cpu-hz: %w", err)
	}
	if err := vm.CheckSpeed(timerHz); err != nil {
		return fmt.Errorf("--timer-hz: %w", err)
	}
	return nil
}

func newFrontend(name string, verbose bool) (hal.Frontend, func(), error) {
	switch name {
	case "sdl":
		fe, err := sdlhal.New()
		if err != nil {
			return nil, nil, fmt.Errorf("unable to initialize hal: %w", err)
		}
		return fe, fe.Shutdown, nil

	case "term":
		fe, err := termhal.New()
		if err != nil {
			return nil, nil, fmt.Errorf("unable to initialize hal: %w", err)
		}
		// The terminal belongs to the UI now; logs go to its log pane.
		setLogger(fe.LogWriter(), verbose)
		return fe, func() {
			fe.Shutdown()
			setLogger(os.Stderr, verbose)
		}, nil

	case "shiny":
		return shinyhal.New(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown frontend %q", name)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/protocol"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/regen"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/surface"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Rebuild a project on every change and print its console",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watch(ctx, args[0], cmd.OutOrStdout())
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", regen.DefaultDebounce, "quiet period after the last change before rebuilding")
}

// dirProvider reloads the project from disk on every rebuild. A project
// that fails to load keeps its last good bundle.
type dirProvider struct {
	ctx context.Context
	dir string
	log *logging.Logger

	mu   sync.Mutex
	last source.Bundle
}

func (p *dirProvider) Bundle() source.Bundle {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, bundle, err := loadBundle(p.ctx, p.dir)
	if err != nil {
		p.log.Warn("Reload failed, keeping last sources", zap.Error(err))
		return p.last
	}
	p.last = bundle
	return bundle
}

func watch(ctx context.Context, dir string, out io.Writer) error {
	log := newLogger()
	if _, _, err := loadBundle(ctx, dir); err != nil {
		return err
	}

	var printMu sync.Mutex
	printf := func(format string, a ...any) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Fprintf(out, format, a...)
	}

	surf := surface.New("", surface.Options{Logger: log})
	defer surf.Close()
	surf.Broker().OnConsole(func(_ string, ev protocol.ConsoleEvent) {
		printf("[%s] %s\n", ev.Level, formatArgs(ev.Args))
	})
	surf.Broker().OnError(func(_ string, ev protocol.ErrorEvent) {
		printf("%s\n", formatError(ev))
	})

	controller := regen.New(regen.Options{
		Debounce:  watchDebounce,
		Assembler: newAssembler(),
		Provider:  &dirProvider{ctx: ctx, dir: dir, log: log},
		Surface:   surf,
		Logger:    log,
		OnRebuild: func(r regen.Rebuild) {
			switch {
			case r.Err != nil:
				printf("-- rebuild failed: %v\n", r.Err)
			case r.Reused:
				printf("-- unchanged (%s)\n", short(r.Hash))
			default:
				printf("-- rebuilt %s (%s) in %s\n", r.Instance, short(r.Hash), r.Duration.Round(time.Millisecond))
			}
			for _, w := range r.Warnings {
				printf("-- warning: %v\n", w)
			}
		},
	})
	defer controller.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watchTree(watcher, dir); err != nil {
		return err
	}

	if _, err := controller.Activate(); err != nil {
		printf("-- rebuild failed: %v\n", err)
	}
	printf("-- watching %s, press Ctrl+C to stop\n", dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if hidden(dir, event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watchTree(watcher, event.Name); err != nil {
						log.Warn("Failed to watch new directory", zap.String("dir", event.Name), zap.Error(err))
					}
				}
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				controller.Edit()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Watcher error", zap.Error(err))
		}
	}
}

// watchTree adds root and every non-hidden directory below it
func watchTree(w *fsnotify.Watcher, root string) error {
	var mu sync.Mutex
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		mu.Lock()
		defer mu.Unlock()
		return w.Add(p)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	return nil
}

// hidden reports whether name is inside a dot directory or is a dot file
func hidden(root, name string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

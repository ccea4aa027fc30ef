package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-mysql/pkg/mysql"
	"github.com/openfroyo/froyo-mysql/pkg/policy"
)

// watchDebounce coalesces the bursts of events editors produce on save.
const watchDebounce = 500 * time.Millisecond

func newWatchCommand(opts *options) *cobra.Command {
	var (
		actions       []string
		probeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Converge instances whenever their descriptors change",
		Long: `Converge every instance once, then again whenever a descriptor file
changes. While watching, this command:
  - Serves Prometheus metrics when telemetry.metrics is enabled
  - Reloads policy files when they change
  - Probes every instance periodically and exports whether it is up

Each convergence starts a fresh runner on the target.`,
		Example: `  froyo-mysql watch -f ./hosts -c froyo.yaml
  froyo-mysql watch --action create --action restart --probe-interval 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			converge := make([]mysql.Action, 0, len(actions))
			for _, a := range actions {
				action, err := mysql.ParseAction(a)
				if err != nil {
					return err
				}
				converge = append(converge, action)
			}

			settings, err := loadSettings(opts)
			if err != nil {
				return err
			}
			st, err := openStack(ctx, settings)
			if err != nil {
				return err
			}
			defer st.Close(ctx)

			go func() {
				if err := st.telemetry.Metrics.Serve(ctx); err != nil {
					log.Error().Err(err).Msg("Metrics server stopped")
				}
			}()

			if st.policy != nil && len(settings.Policy.Paths) > 0 {
				loader, err := policy.WatchEngine(ctx, st.policy, settings.Policy.Paths)
				if err != nil {
					return err
				}
				defer loader.StopWatching()
			}

			w := &watcher{stack: st, opts: opts, actions: converge}
			return w.run(ctx, probeInterval)
		},
	}

	cmd.Flags().StringSliceVar(&actions, "action", []string{string(mysql.ActionCreate), string(mysql.ActionStart)}, "actions applied on every change, in order")
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", time.Minute, "how often to probe instances (0 disables)")

	return cmd
}

// watcher converges descriptors as they change.
type watcher struct {
	stack   *stack
	opts    *options
	actions []mysql.Action

	// services are the instances of the last successful parse.
	services []mysql.Service
}

func (w *watcher) run(ctx context.Context, probeInterval time.Duration) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, path := range w.opts.descriptors {
		if err := fsw.Add(watchPath(path)); err != nil {
			return err
		}
	}

	w.converge(ctx)

	var probes <-chan time.Time
	if probeInterval > 0 {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		probes = ticker.C
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Watch stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("descriptor watcher closed")
			}
			if !relevant(event) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Descriptor changed")
			debounce = time.After(watchDebounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("descriptor watcher closed")
			}
			log.Error().Err(err).Msg("Descriptor watcher error")

		case <-debounce:
			debounce = nil
			w.converge(ctx)

		case <-probes:
			if _, err := w.stack.probe(ctx, w.services); err != nil {
				log.Warn().Err(err).Msg("Probe failed")
			}
		}
	}
}

// converge reloads the descriptors and applies the actions to every
// instance. Failures are logged; the watch goes on.
func (w *watcher) converge(ctx context.Context) {
	services, err := loadServices(ctx, w.opts, nil)
	if err != nil {
		log.Error().Err(err).Msg("Descriptors are invalid, keeping the last good state")
		return
	}
	w.services = services

	disconnect, err := w.stack.connect(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reach target")
		return
	}
	defer disconnect(context.WithoutCancel(ctx))

	for _, svc := range services {
		for _, action := range w.actions {
			run, err := w.stack.apply(ctx, svc, action)
			if err != nil {
				log.Error().Err(err).Str("instance", svc.Name).Str("action", string(action)).Msg("Convergence failed")
				break
			}
			log.Info().
				Str("instance", svc.Name).
				Str("action", string(action)).
				Int("updated", run.Summary.Updated).
				Msg("Converged")
		}
	}
}

// watchPath is the path to watch for path. Files are watched through
// their directory so editors that replace files on save are seen.
func watchPath(path string) string {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	return path
}

func relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Ext(event.Name) {
	case ".cue", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

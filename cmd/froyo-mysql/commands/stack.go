package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyo-mysql/pkg/apply"
	"github.com/openfroyo/froyo-mysql/pkg/config"
	"github.com/openfroyo/froyo-mysql/pkg/engine"
	"github.com/openfroyo/froyo-mysql/pkg/events"
	"github.com/openfroyo/froyo-mysql/pkg/lock"
	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/client"
	"github.com/openfroyo/froyo-mysql/pkg/micro_runner/protocol"
	"github.com/openfroyo/froyo-mysql/pkg/mysql"
	"github.com/openfroyo/froyo-mysql/pkg/policy"
	"github.com/openfroyo/froyo-mysql/pkg/resources"
	"github.com/openfroyo/froyo-mysql/pkg/stores"
	"github.com/openfroyo/froyo-mysql/pkg/telemetry"
	"github.com/openfroyo/froyo-mysql/pkg/transports/local"
	"github.com/openfroyo/froyo-mysql/pkg/transports/ssh"
)

// loadSettings reads the settings file. LOG_LEVEL overrides the
// configured level, and --verbose overrides both.
func loadSettings(opts *options) (*config.Settings, error) {
	settings, err := config.LoadSettings(opts.settingsPath)
	if err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		settings.Telemetry.Logging.Level = level
	}
	if opts.verbose {
		settings.Telemetry.Logging.Level = "debug"
	}
	return settings, nil
}

// loadServices parses the descriptors and keeps the named instances, or
// all of them when names is empty.
func loadServices(ctx context.Context, opts *options, names []string) ([]mysql.Service, error) {
	services, err := config.NewCUEParser().LoadServices(ctx, opts.descriptors)
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptors: %w", err)
	}
	return selectServices(services, names)
}

func selectServices(services []mysql.Service, names []string) ([]mysql.Service, error) {
	if len(names) == 0 {
		return services, nil
	}
	byName := make(map[string]mysql.Service, len(services))
	for _, s := range services {
		byName[s.Name] = s
	}
	selected := make([]mysql.Service, 0, len(names))
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("no instance named %q in the descriptors", name)
		}
		selected = append(selected, s)
	}
	return selected, nil
}

// newPolicyEngine builds the policy engine the settings ask for, or nil
// when policies are disabled.
func newPolicyEngine(ctx context.Context, settings *config.Settings) (*policy.Engine, error) {
	if !settings.Policy.Enabled {
		return nil, nil
	}
	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	eng.SetTarget(settings.Target.Name)
	if len(settings.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, settings.Policy.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range settings.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// stack is everything plan, apply, status and watch share. It is closed
// in reverse order of opening.
type stack struct {
	settings  *config.Settings
	telemetry *telemetry.Telemetry
	journal   *stores.SQLiteStore
	bus       *events.Bus
	locker    lock.Locker
	policy    *policy.Engine

	// provider plans and reads; it applies only while connected.
	provider *mysql.Provider

	// platform is what the target reported on the last connect. Zero
	// until then, or when detection failed.
	platform mysql.Platform

	closers []func(context.Context) error
}

// openStack wires telemetry, the journal, events, locking and policies.
// Call connect before applying anything.
func openStack(ctx context.Context, settings *config.Settings) (_ *stack, err error) {
	s := &stack{settings: settings, locker: lock.Noop{}}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	s.telemetry, err = telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.onClose(s.telemetry.Shutdown)
	logger := *s.telemetry.Logger.Zerolog()

	s.journal, err = stores.Open(ctx, settings.Journal)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	s.onClose(func(context.Context) error { return s.journal.Close() })

	s.bus = events.NewBus(settings.Events.Bus)
	s.onClose(s.bus.Shutdown)
	s.bus.Subscribe(events.LogSubscriber(logger), nil)
	if settings.Events.AMQP != nil {
		pub, err := events.NewAMQPPublisher(*settings.Events.AMQP, logger)
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return pub.Close() })
		s.bus.Subscribe(pub.Subscriber(), nil)
	}

	if settings.Lock.Redis != nil {
		r, err := lock.NewRedis(ctx, *settings.Lock.Redis)
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return r.Close() })
		s.locker = r
	}

	s.policy, err = newPolicyEngine(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	s.provider = mysql.NewProvider(nil, settings.Probe)
	return s, nil
}

// connect starts a runner on the target and makes the provider apply
// through it. The returned function stops the runner; the provider is
// plan-only again afterwards.
func (s *stack) connect(ctx context.Context) (func(context.Context) error, error) {
	runner, disconnect, err := s.startRunner(ctx)
	if err != nil {
		return nil, err
	}
	s.detectPlatform(ctx, runner)

	cfg := apply.Config{
		Executor:  runner,
		Compiler:  resources.NewCompiler(uuid.NewString),
		Journal:   s.journal,
		Telemetry: s.telemetry,
		Bus:       s.bus,
		Locker:    s.locker,
		Target:    s.settings.Target.Name,
	}
	// A nil *policy.Engine must not become a non-nil Checker
	if s.policy != nil {
		cfg.Policy = s.policy
	}
	applier, err := apply.New(cfg)
	if err != nil {
		_ = disconnect(ctx)
		return nil, err
	}

	s.provider = mysql.NewProvider(applier, s.settings.Probe)
	return func(ctx context.Context) error {
		s.provider = mysql.NewProvider(nil, s.settings.Probe)
		return disconnect(ctx)
	}, nil
}

// startRunner connects to the target and starts the micro-runner on it.
func (s *stack) startRunner(ctx context.Context) (*client.Client, func(context.Context) error, error) {
	var (
		transport client.Transport
		hangUp    = func() error { return nil }
	)
	switch s.settings.Target.Type {
	case config.TargetSSH:
		sshClient, err := ssh.NewSSHClient(s.settings.Target.SSH)
		if err != nil {
			return nil, nil, err
		}
		if err := sshClient.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to %s: %w", s.settings.Target.Name, err)
		}
		hangUp = sshClient.Disconnect
		transport = ssh.NewRunnerTransport(sshClient)
	default:
		transport = &local.Transport{Sudo: s.settings.Target.Sudo}
	}

	runner, err := client.NewClient(client.Config{
		Transport:      transport,
		RunnerPath:     s.settings.Runner.LocalPath,
		RemotePath:     s.settings.Runner.RemotePath,
		StartupTimeout: s.settings.Runner.StartupTimeout,
		OnEvent: func(evt *protocol.EventMessage) {
			log.Debug().Str("command", evt.CommandID).Str("level", evt.Level).Msg(evt.Message)
		},
	})
	if err == nil {
		err = runner.Start(ctx)
	}
	if err != nil {
		_ = hangUp()
		return nil, nil, fmt.Errorf("failed to start runner on %s: %w", s.settings.Target.Name, err)
	}

	if ready := runner.Ready(); ready != nil {
		log.Debug().
			Str("target", s.settings.Target.Name).
			Str("runner_version", ready.Version).
			Str("platform", ready.Platform).
			Msg("Runner ready")
	}

	return runner, func(ctx context.Context) error {
		return errors.Join(runner.Close(ctx), hangUp())
	}, nil
}

// detectPlatform reads the target's os-release. Failure is not fatal:
// services that declare their platform do not need it.
func (s *stack) detectPlatform(ctx context.Context, runner mysql.Runner) {
	detected, err := mysql.DetectPlatform(ctx, runner)
	if err != nil {
		log.Warn().Err(err).Str("target", s.settings.Target.Name).Msg("Failed to detect platform")
		return
	}
	if !detected.Supported() {
		log.Warn().
			Str("target", s.settings.Target.Name).
			Str("platform", detected.String()).
			Msg("Detected platform is not supported")
	}
	log.Debug().Str("target", s.settings.Target.Name).Str("platform", detected.String()).Msg("Platform detected")
	s.platform = detected
}

// withPlatform settles the platform svc is planned for. A declared
// platform wins over the detected one; a mismatch is logged.
func withPlatform(svc mysql.Service, detected mysql.Platform) (mysql.Service, error) {
	switch {
	case svc.Platform.IsZero() && detected.IsZero():
		return mysql.Service{}, fmt.Errorf("instance %s: %w", svc.Name, mysql.ErrPlatformUnknown)
	case svc.Platform.IsZero():
		return mysql.Resolve(svc.OnPlatform(detected))
	case !detected.IsZero() && svc.Platform.PlatformAndVersion() != detected.PlatformAndVersion():
		log.Warn().
			Str("instance", svc.Name).
			Str("declared", svc.Platform.String()).
			Str("detected", detected.String()).
			Msg("Declared platform differs from the target")
	}
	return svc, nil
}

// needsDetection reports whether any service leaves its platform to the
// target.
func needsDetection(services []mysql.Service) bool {
	for _, svc := range services {
		if svc.Platform.IsZero() {
			return true
		}
	}
	return false
}

func (s *stack) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Close releases everything opened, last opened first.
func (s *stack) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// apply plans and applies one action for svc. The run is returned even
// when it failed.
func (s *stack) apply(ctx context.Context, svc mysql.Service, action mysql.Action) (*engine.Run, error) {
	svc, err := withPlatform(svc, s.platform)
	if err != nil {
		return nil, err
	}
	p, err := planService(ctx, s.provider, svc, action)
	if err != nil {
		return nil, err
	}
	for _, warning := range p.Plan.Warnings {
		log.Warn().Str("instance", svc.Name).Msg(warning)
	}

	resp, err := s.provider.Apply(ctx, engine.ApplyRequest{Plan: p.Plan.Plan})
	if resp == nil {
		return nil, err
	}
	return resp.Run, err
}

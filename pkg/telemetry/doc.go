// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry) and metrics (Prometheus) for froyo-mysql.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Enabled = true
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	telemetry.FromContext(ctx).Info("starting")
//
// # Metrics
//
// All metrics carry the configured namespace (froyo_mysql by default):
//
//	runs_total{action,status}             finished runs
//	run_duration_seconds{action}          run duration
//	active_runs                           runs in progress
//	declarations_total{kind,status}       declaration outcomes
//	declaration_duration_seconds{kind}    declaration duration
//	errors_total{class,code}              classified run failures
//	instance_up{instance}                 last probe result
//
// A disabled or nil *Metrics records nothing, so callers never check.
//
// # Tracing
//
// A run gets a "run.apply" span and every declaration a child
// "declaration.apply" span. Exporters: otlp (gRPC), stdout, none.
package telemetry

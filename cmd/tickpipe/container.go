package main

// This file wires the CLI to the pipeline packages. It loads and validates
// the pipeline file, installs the metrics backend, opens the session and
// prints the run report. Backends are reached only through interfaces so
// tests can swap them via the function variables below.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"tickpipe/internal/config"
	"tickpipe/internal/logger"
	"tickpipe/internal/metrics"
	"tickpipe/internal/metrics/datadog"
	"tickpipe/internal/metrics/prompush"
	"tickpipe/internal/pipeerr"
	"tickpipe/internal/pipeline"
	"tickpipe/internal/probe"
	"tickpipe/internal/session"
	"tickpipe/internal/source"
)

const (
	defaultPushgatewayURL = "http://localhost:9091"
	defaultDogStatsdAddr  = "127.0.0.1:8125"
)

// errInvalidConfig is returned when validation reports error-severity issues.
var errInvalidConfig = errors.New("invalid pipeline configuration")

// Function variables used to introduce test seams.
var (
	loadEnvFn     = config.LoadEnv
	openSessionFn = session.Open
	runFn         = pipeline.Run

	newPushBackendFn = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	newDatadogBackendFn = func(cfg datadog.Config) (metrics.Backend, error) {
		return datadog.NewBackend(cfg)
	}
)

// signalContext cancels on SIGINT or SIGTERM so an interrupted run commits
// nothing.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// pick returns the first non-empty value.
func pick(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func setupLogging(g *globalFlags, stderr io.Writer) error {
	env, err := loadEnvFn()
	if err != nil {
		return pipeerr.New(pipeerr.ConfigError, "cli", "env", err)
	}
	if err := logger.Setup(stderr, pick(g.logLevel, env.LogLevel), pick(g.logFormat, env.LogFormat)); err != nil {
		return pipeerr.New(pipeerr.ConfigError, "cli", "logging", err)
	}
	return nil
}

// loadPipeline reads path, applies environment overrides and defaults, and
// returns every validation issue. A file-supplied ledger DSN is checked for
// embedded passwords before the environment can replace it.
func loadPipeline(path string, env config.Env) (config.Pipeline, []config.Issue, error) {
	p, err := config.Load(path)
	if err != nil {
		return config.Pipeline{}, nil, err
	}
	issues := config.CheckLedgerDSN(p.Ledger.DSN)
	p.ApplyEnv(env)
	p.Defaults()
	issues = append(issues, config.ValidatePipeline(p)...)
	return p, issues, nil
}

// printIssues writes one line per issue and reports whether any is an error.
func printIssues(w io.Writer, issues []config.Issue) bool {
	hasError := false
	for _, iss := range issues {
		fmt.Fprintf(w, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	return hasError
}

func validatePipeline(w io.Writer, path string) error {
	env, err := loadEnvFn()
	if err != nil {
		return pipeerr.New(pipeerr.ConfigError, "cli", "env", err)
	}
	_, issues, err := loadPipeline(path, env)
	if err != nil {
		return err
	}
	if printIssues(w, issues) {
		return fmt.Errorf("%s: %w", path, errInvalidConfig)
	}
	fmt.Fprintf(w, "configuration is valid: %s\n", path)
	return nil
}

func runPipeline(ctx context.Context, w io.Writer, g *globalFlags, path string) error {
	env, err := loadEnvFn()
	if err != nil {
		return pipeerr.New(pipeerr.ConfigError, "cli", "env", err)
	}
	p, issues, err := loadPipeline(path, env)
	if err != nil {
		return err
	}
	if printIssues(w, issues) {
		return fmt.Errorf("%s: %w", path, errInvalidConfig)
	}

	flush, err := setupMetrics(g, env, p.Job)
	if err != nil {
		return err
	}
	defer flush()

	log := logger.Stage("cli")
	log.Info("pipeline loaded",
		"config", path,
		"job", p.Job,
		"source", p.Source.Kind,
		"mode", p.Runtime.Mode,
		"strategy", p.Runtime.Strategy,
		"destination", p.Sink.Destination,
		"ledger", p.Ledger.Kind)

	sess, err := openSessionFn(ctx, p, env)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn("close session", "err", err)
		}
	}()

	res, err := runFn(ctx, p, sess)
	if err != nil {
		return err
	}
	res.Report.Format(w)
	return nil
}

// setupMetrics installs the backend named by flag, then env. An unusable
// backend is logged and metrics stay disabled. The returned func flushes and
// uninstalls it.
func setupMetrics(g *globalFlags, env config.Env, job string) (func(), error) {
	nop := func() {}
	log := logger.Stage("metrics")

	var (
		b   metrics.Backend
		err error
	)
	switch name := pick(g.metricsBackend, env.MetricsBackend); name {
	case "", "none":
		log.Debug("metrics disabled")
		return nop, nil
	case "pushgateway":
		url := pick(g.pushgatewayURL, env.PushgatewayURL, defaultPushgatewayURL)
		b, err = newPushBackendFn(job, url)
		log = log.With("backend", name, "url", url)
	case "datadog":
		addr := pick(g.dogstatsdAddr, env.DogStatsdAddr, defaultDogStatsdAddr)
		b, err = newDatadogBackendFn(datadog.Config{Addr: addr, Namespace: "tickpipe."})
		log = log.With("backend", name, "addr", addr)
	default:
		return nil, pipeerr.Newf(pipeerr.ConfigError, "cli", "metrics-backend", "unknown metrics backend %q; want none, pushgateway or datadog", name)
	}
	if err != nil {
		log.Warn("metrics backend unavailable; metrics disabled", "err", err)
		return nop, nil
	}
	metrics.SetBackend(b)
	log.Info("metrics enabled", "job", job)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn("metrics flush", "err", err)
		}
		metrics.SetBackend(metrics.Nop())
	}, nil
}

// inspectFiles prints the footer of every file matching patterns and flags
// files whose columns differ from the first.
func inspectFiles(ctx context.Context, w io.Writer, patterns, partitioning []string) error {
	env, err := loadEnvFn()
	if err != nil {
		return pipeerr.New(pipeerr.ConfigError, "cli", "env", err)
	}
	store, err := session.NewStore(env)
	if err != nil {
		return err
	}
	files, err := source.Resolve(ctx, store, patterns)
	if err != nil {
		return err
	}

	var (
		first probe.Info
		rows  int64
		drift int
	)
	for i, f := range files {
		info, err := probe.InspectPath(ctx, store, f)
		if err != nil {
			return pipeerr.New(pipeerr.IOError, "inspect", f, err)
		}
		probe.Format(w, info)
		if len(partitioning) > 0 {
			vals, err := source.HiveValues(f, partitioning)
			if err != nil {
				fmt.Fprintf(w, "  partition: %v\n", err)
			} else {
				for _, k := range partitioning {
					v := "null"
					if vals[k] != nil {
						v = *vals[k]
					}
					fmt.Fprintf(w, "  partition %s=%s\n", k, v)
				}
			}
		}
		if i == 0 {
			first = info
		} else if d := probe.Diff(first, info); d != "" {
			drift++
			fmt.Fprintf(w, "  schema differs from %s: %s\n", first.Path, d)
		}
		rows += info.Rows
	}
	fmt.Fprintf(w, "%d files, %d rows", len(files), rows)
	if drift > 0 {
		fmt.Fprintf(w, ", %d with a different schema", drift)
	}
	fmt.Fprintln(w)
	return nil
}

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rackvalidator/rackvalidator/pkg/config"
	"github.com/rackvalidator/rackvalidator/pkg/observability"
	"github.com/rackvalidator/rackvalidator/pkg/rca"
	"github.com/rackvalidator/rackvalidator/pkg/runner"
	"github.com/rackvalidator/rackvalidator/pkg/simulator"
	"github.com/rackvalidator/rackvalidator/pkg/store"
	"github.com/rackvalidator/rackvalidator/pkg/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitRunError    = 66
	exitNotFound    = 67
)

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "result":
		return commandResult(args[1:])
	case "list":
		return commandList(args[1:])
	case "simulate":
		return commandSimulate(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: rack-validator <command> [options]
Commands:
  run                Execute a validation test and print the outcome
  result             Fetch a test run and its diagnosis by identifier
  list               List test runs, most recent first
  simulate           Boot a fresh simulator and print its metric snapshot
  validate-config    Validate the configuration file
  version            Print build version
`)
}

func loadConfig(path string, stderr io.Writer) (*config.Config, bool) {
	if path == "" {
		return config.Default(), true
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return nil, false
	}
	return cfg, true
}

// openStore builds the run store selected by the configuration.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		return store.NewMemoryStore(), nil
	case config.StoreDriverSQLite:
		return store.OpenSQLite(cfg.Store.Path)
	case config.StoreDriverEtcd:
		tlsConfig, err := etcdTLSConfig(cfg.Store.EtcdTLS)
		if err != nil {
			return nil, err
		}
		return store.NewEtcdStore(store.EtcdStoreOptions{
			Endpoints:   cfg.Store.EtcdEndpoints,
			DialTimeout: 5 * time.Second,
			Namespace:   cfg.Store.EtcdNamespace,
			TLS:         tlsConfig,
		})
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func etcdTLSConfig(cfg *config.EtcdTLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load etcd client certificate: %w", err)
	}
	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read etcd CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("parse etcd CA file %s", cfg.CAFile)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: cfg.Insecure,
	}, nil
}

// newRunner wires store, RCA engine, and reporter into a TestRunner.
func newRunner(cfg *config.Config, st store.Store, stderr io.Writer) (*runner.TestRunner, *observability.PrometheusCollector, error) {
	engine, err := rca.NewEngine(st)
	if err != nil {
		return nil, nil, err
	}
	collector := observability.NewPrometheusCollector()
	reporter := runner.NewStructuredReporter(cfg.NodeName, observability.NewJSONLogger(stderr), collector)
	tr, err := runner.NewTestRunner(cfg, st, engine, runner.WithReporter(reporter))
	if err != nil {
		return nil, nil, err
	}
	return tr, collector, nil
}

func commandRun(args []string) int {
	return commandRunWithWriters(args, os.Stdout, os.Stderr)
}

func commandRunWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file (built-in defaults when empty)")
	testType := fs.String("type", "", "test type: thermal_ramp, power_stress, cpu_stability, firmware_handoff")
	inject := fs.String("inject", "none", "failure to inject: none, thermal_runaway, voltage_droop, boot_failure, fan_stuck")
	probability := fs.Float64("probability", 1.0, "probability the injection is applied, within [0,1]")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*testType) == "" {
		fmt.Fprintln(stderr, "-type is required")
		return exitUsage
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return exitConfigError
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open store: %v\n", err)
		return exitConfigError
	}
	defer st.Close()

	tr, collector, err := newRunner(cfg, st, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct runner: %v\n", err)
		return exitConfigError
	}

	if cfg.Metrics.Enabled {
		stop := serveMetrics(cfg.Metrics.Listen, collector, stderr)
		defer stop()
	}

	id, err := tr.ExecuteTest(context.Background(), *testType, *inject, *probability)
	if err != nil {
		var verr *runner.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(stderr, "%v\n", verr)
			return exitUsage
		}
		fmt.Fprintf(stderr, "test execution failed: %v\n", err)
		return exitRunError
	}

	result, err := tr.GetResult(context.Background(), id)
	if err != nil {
		fmt.Fprintf(stderr, "failed to fetch result: %v\n", err)
		return exitRunError
	}

	printResult(stdout, result)
	if result.Run.Status != store.StatusPassed {
		return exitRunError
	}
	return exitOK
}

// serveMetrics exposes the Prometheus registry for the lifetime of the
// command and returns a shutdown function.
func serveMetrics(listen string, collector *observability.PrometheusCollector, stderr io.Writer) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "metrics listener error: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func commandResult(args []string) int {
	return commandResultWithWriters(args, os.Stdout, os.Stderr)
}

func commandResultWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("result", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file (built-in defaults when empty)")
	id := fs.String("id", "", "run identifier")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(stderr, "-id is required")
		return exitUsage
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return exitConfigError
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open store: %v\n", err)
		return exitConfigError
	}
	defer st.Close()

	tr, _, err := newRunner(cfg, st, io.Discard)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct runner: %v\n", err)
		return exitConfigError
	}

	result, err := tr.GetResult(context.Background(), *id)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(stderr, "run %s not found\n", *id)
		return exitNotFound
	}
	if err != nil {
		fmt.Fprintf(stderr, "failed to fetch result: %v\n", err)
		return exitRunError
	}

	printResult(stdout, result)
	return exitOK
}

func commandList(args []string) int {
	return commandListWithWriters(args, os.Stdout, os.Stderr)
}

func commandListWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file (built-in defaults when empty)")
	statusFilter := fs.String("status", "", "filter by status: pending, running, passed, failed, timeout")
	typeFilter := fs.String("type", "", "filter by test type")
	limit := fs.Int("limit", 20, "maximum number of runs to return")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	filter := store.RunFilter{Limit: *limit}
	if *statusFilter != "" {
		status, err := store.ParseTestStatus(*statusFilter)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return exitUsage
		}
		filter.Status = status
	}
	if *typeFilter != "" {
		testType, err := store.ParseTestType(*typeFilter)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return exitUsage
		}
		filter.Type = testType
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return exitConfigError
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open store: %v\n", err)
		return exitConfigError
	}
	defer st.Close()

	tr, _, err := newRunner(cfg, st, io.Discard)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct runner: %v\n", err)
		return exitConfigError
	}

	results, err := tr.ListResults(context.Background(), filter)
	if err != nil {
		fmt.Fprintf(stderr, "failed to list runs: %v\n", err)
		return exitRunError
	}

	if len(results) == 0 {
		fmt.Fprintln(stdout, "no matching runs")
		return exitOK
	}
	for _, result := range results {
		line := fmt.Sprintf("%s  %-17s %-8s", result.Run.ID, result.Run.Type, result.Run.Status)
		if result.Run.ErrorCode != "" {
			line += "  " + result.Run.ErrorCode
		}
		if result.RCA != nil {
			line += fmt.Sprintf("  [%s %.2f]", result.RCA.Category, result.RCA.Confidence)
		}
		fmt.Fprintln(stdout, line)
	}
	return exitOK
}

func commandSimulate(args []string) int {
	return commandSimulateWithWriters(args, os.Stdout, os.Stderr)
}

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to configuration file (built-in defaults when empty)")
	inject := fs.String("inject", "none", "failure to inject before boot")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return exitConfigError
	}

	failure, err := simulator.ParseFailureType(*inject)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}

	sim := simulator.New(
		simulator.WithSensorNoise(cfg.SensorNoise()),
		simulator.WithRealisticDelays(cfg.RealisticDelays()),
	)
	injector := simulator.NewFailureInjector(sim)
	injector.Inject(failure, 1.0)
	booted := sim.FullBootSequence()

	fmt.Fprintf(stdout, "node %s simulation summary:\n", cfg.NodeName)
	fmt.Fprintf(stdout, "  boot completed: %v (stage %s)\n", booted, sim.Stage())
	if sim.Failed() {
		fmt.Fprintf(stdout, "  failure reason: %s\n", sim.FailureReason())
	}
	fmt.Fprintln(stdout, "  metrics:")
	payload, err := json.MarshalIndent(sim.Metrics(), "    ", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "failed to encode metrics: %v\n", err)
		return exitRunError
	}
	fmt.Fprintf(stdout, "    %s\n", payload)
	for _, line := range sim.Logs() {
		fmt.Fprintf(stdout, "  log: %s\n", line)
	}

	if !booted {
		return exitRunError
	}
	return exitOK
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func printResult(w io.Writer, result runner.Result) {
	run := result.Run
	fmt.Fprintf(w, "run %s (%s)\n", run.ID, run.Type)
	fmt.Fprintf(w, "  status: %s\n", run.Status)
	if run.ErrorCode != "" {
		fmt.Fprintf(w, "  error code: %s\n", run.ErrorCode)
	}
	fmt.Fprintf(w, "  duration: %.0f ms\n", run.DurationMS)
	if run.InjectedFailure != "" && run.InjectedFailure != string(simulator.FailureNone) {
		fmt.Fprintf(w, "  injected failure: %s (p=%.2f)\n", run.InjectedFailure, run.FailureProbability)
	}
	if len(run.Metrics) > 0 {
		fmt.Fprintf(w, "  cpu temperature: %.1f°C\n", run.Metrics["cpu_temp_c"])
		fmt.Fprintf(w, "  cpu frequency: %.0f MHz\n", run.Metrics["cpu_freq_mhz"])
		fmt.Fprintf(w, "  12V rail: %.2f V\n", run.Metrics["voltage_12v"])
	}
	if result.RCA != nil {
		fmt.Fprintf(w, "  rca category: %s (confidence %.2f)\n", result.RCA.Category, result.RCA.Confidence)
		fmt.Fprintf(w, "  root cause: %s\n", result.RCA.RootCause)
		for _, rec := range result.RCA.Recommendations {
			fmt.Fprintf(w, "    - %s\n", rec)
		}
	}
}

// gccsim runs the congestion controller against simulated bottleneck links.
//
// Usage:
//
//	go run ./cmd/gccsim list
//	go run ./cmd/gccsim run --scenario capacity-drop --csv drop.csv
//	go run ./cmd/gccsim --metrics-addr :9090 run --scenario steady --speed 1
//	go run ./cmd/gccsim soak --duration 24h
//
// Scenarios are YAML files (see pkg/bwe/testutil) or the name of a built-in
// scenario. With --metrics-addr the controller state is served at /metrics
// and pprof at /debug/pprof/.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/thesyncim/gcc/internal/logging"
	"github.com/thesyncim/gcc/internal/sim"
	"github.com/thesyncim/gcc/pkg/bwe"
	"github.com/thesyncim/gcc/pkg/bwe/metrics"
	"github.com/thesyncim/gcc/pkg/bwe/testutil"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error",
		Value:   "info",
		EnvVars: []string{"GCCSIM_LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:  "log-format",
		Usage: "console or json",
		Value: "console",
	},
	&cli.BoolFlag{
		Name:  "trace",
		Usage: "include per-packet trace logs (needs --log-level debug)",
	},
	&cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "serve Prometheus metrics and pprof on this address, e.g. :9090",
		EnvVars: []string{"GCCSIM_METRICS_ADDR"},
	},
}

var scenarioFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "scenario",
		Aliases: []string{"s"},
		Usage:   "built-in scenario name or path to a scenario `file`",
		Value:   "steady",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "controller configuration `file` replacing the scenario's",
	},
	&cli.Float64Flag{
		Name:  "speed",
		Usage: "multiple of real time to run at, 0 for as fast as possible",
	},
	&cli.DurationFlag{
		Name:  "sample-interval",
		Usage: "virtual time between samples",
		Value: 100 * time.Millisecond,
	},
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "gccsim",
		Usage: "send-side congestion control simulator",
		Flags: globalFlags,
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "list the built-in scenarios",
				Action: listScenarios,
			},
			{
				Name:  "run",
				Usage: "run one scenario and check its expectations",
				Flags: append(scenarioFlags,
					&cli.StringFlag{
						Name:  "csv",
						Usage: "write the samples to `file`",
					},
				),
				Action: runScenario,
			},
			{
				Name:  "soak",
				Usage: "run a scenario for a long virtual duration and watch memory and estimates",
				Flags: append(scenarioFlags,
					&cli.DurationFlag{
						Name:  "duration",
						Usage: "virtual duration of the run",
						Value: 24 * time.Hour,
					},
					&cli.DurationFlag{
						Name:  "status-interval",
						Usage: "virtual time between status lines",
						Value: 5 * time.Minute,
					},
					&cli.Float64Flag{
						Name:  "max-heap-mb",
						Usage: "fail when the heap grows beyond this",
						Value: 100,
					},
				),
				Action: runSoak,
			},
		},
	}
}

func listScenarios(_ *cli.Context) error {
	for _, name := range testutil.BuiltinScenarios() {
		s, err := testutil.BuiltinScenario(name)
		if err != nil {
			return err
		}
		fmt.Printf("%-20s %-8v %s\n", name, s.Duration, s.Description)
	}
	return nil
}

// env is what every simulating command needs.
type env struct {
	logger    *zap.Logger
	factory   *logging.LoggerFactory
	collector *metrics.Collector
	server    *http.Server
}

func newEnv(c *cli.Context) (*env, error) {
	logger, err := logging.New(c.String("log-level"), c.String("log-format"))
	if err != nil {
		return nil, err
	}
	factory := logging.NewLoggerFactory(logger)
	factory.Trace = c.Bool("trace")

	e := &env{logger: logger, factory: factory}
	if addr := c.String("metrics-addr"); addr != "" {
		e.collector = metrics.NewCollector(nil)
		e.server = metricsServer(addr, e.collector)
		go func() {
			if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", addr))
	}
	return e, nil
}

func (e *env) close() {
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.server.Shutdown(ctx)
	}
	_ = e.logger.Sync()
}

func metricsServer(addr string, collector *metrics.Collector) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// loadScenario resolves --scenario and applies --config.
func loadScenario(c *cli.Context) (testutil.Scenario, error) {
	s, err := testutil.LoadScenario(c.String("scenario"))
	if err != nil {
		return testutil.Scenario{}, err
	}
	if path := c.String("config"); path != "" {
		cfg, err := bwe.LoadConfig(path)
		if err != nil {
			return testutil.Scenario{}, err
		}
		s.Config = cfg
	}
	return s, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
}

// newSimulation builds a simulation of s and registers its controller with
// the metrics collector. release unregisters it.
func (e *env) newSimulation(s testutil.Scenario, opts ...sim.Option) (simulation *sim.Simulation, release func(), err error) {
	opts = append(opts, sim.WithLoggerFactory(e.factory))
	simulation, err = sim.New(s, opts...)
	if err != nil {
		return nil, nil, err
	}
	if e.collector == nil {
		return simulation, func() {}, nil
	}
	e.collector.Add(s.Name, simulation.Controller())
	return simulation, func() { e.collector.Remove(s.Name) }, nil
}

func runScenario(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.close()

	s, err := loadScenario(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(c)
	defer cancel()

	simulation, release, err := e.newSimulation(s,
		sim.WithSpeed(c.Float64("speed")),
		sim.WithSampleInterval(c.Duration("sample-interval")),
	)
	if err != nil {
		return err
	}
	defer release()

	result, err := simulation.Run(ctx)
	if err != nil {
		return err
	}

	if path := c.String("csv"); path != "" {
		if err := writeCSV(path, result.Samples); err != nil {
			return err
		}
		e.logger.Info("wrote samples", zap.String("file", path), zap.Int("samples", len(result.Samples)))
	}

	printResult(result, s.Duration)
	if !result.Passed() {
		return fmt.Errorf("%d expectation(s) failed", len(result.Failures))
	}
	return nil
}

func printResult(r sim.Result, d time.Duration) {
	fmt.Printf("\nScenario %s (%v)\n", r.Scenario, d)
	fmt.Printf("  final target:      %s\n", formatBitrate(r.Stats.TargetBitrate))
	fmt.Printf("  mean target:       %s\n", formatBitrate(r.MeanTarget(0, d)))
	fmt.Printf("  acknowledged:      %s\n", formatBitrate(r.Stats.AcknowledgedBitrate))
	fmt.Printf("  packets:           %d sent, %d delivered, %d dropped, %d lost\n",
		r.Link.Sent, r.Link.Delivered, r.Link.Dropped, r.Link.Lost)
	fmt.Printf("  media / padding:   %d / %d bytes\n", r.MediaBytes, r.PaddingBytes)
	fmt.Printf("  feedback reports:  %d (%d lost lookups)\n", r.Stats.FeedbackReport, r.Stats.LostLookups)
	fmt.Printf("  rtt:               %v\n", r.Stats.RTT)
	for _, f := range r.Failures {
		fmt.Printf("  FAIL %v\n", f)
	}
	if r.Passed() {
		fmt.Printf("  PASS\n")
	}
}

func formatBitrate(bps int64) string {
	switch {
	case bps >= 1_000_000:
		return fmt.Sprintf("%.2f Mbps", float64(bps)/1e6)
	case bps >= 1_000:
		return fmt.Sprintf("%.1f kbps", float64(bps)/1e3)
	default:
		return fmt.Sprintf("%d bps", bps)
	}
}

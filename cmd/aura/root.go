package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-aura/internal/arrowsink"
	"github.com/23skdu/longbow-aura/internal/config"
	"github.com/23skdu/longbow-aura/internal/logger"
	"github.com/23skdu/longbow-aura/internal/memfmt"
	"github.com/23skdu/longbow-aura/internal/pipeline"
	"github.com/23skdu/longbow-aura/internal/tensor"
)

var errValidationFailed = errors.New("validation failed")

type app struct {
	cfgPath string
	cfg     config.Config

	rows, cols, workers int
	mode                string
	logLevel, logFormat string
	metricsAddr         string
	flightAddr          string
	flightPath          string

	repr       string
	convention string
	publish    bool

	pub arrowsink.Publisher
}

func newRootCmd() *cobra.Command {
	a := &app{}
	def := config.Default()

	root := &cobra.Command{
		Use:           "aura",
		Short:         "Golden-model pipeline for fixed-point scaled dot-product attention",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.pub != nil {
				return a.pub.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "YAML config file")
	pf.IntVar(&a.rows, "rows", def.Rows, "Sequence length (matrix rows)")
	pf.IntVar(&a.cols, "cols", def.Cols, "Head dimension (matrix columns)")
	pf.IntVar(&a.workers, "workers", def.Workers, "Row workers, 0 for GOMAXPROCS")
	pf.StringVar(&a.logLevel, "log-level", def.Log.Level, "Log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", def.Log.Format, "Log format: console or json")
	pf.StringVar(&a.metricsAddr, "metrics", def.MetricsAddr, "Address to serve Prometheus metrics, empty to disable")
	pf.StringVar(&a.flightAddr, "flight-addr", def.Flight.Addr, "Arrow Flight endpoint for published outputs")
	pf.StringVar(&a.flightPath, "flight-path", def.Flight.Path, "Flight descriptor path for published outputs")
	pf.StringVar(&a.repr, "repr", "q0.7", "Element encoding: fp32, q0.7 or q0.15")
	pf.StringVar(&a.convention, "convention", "packed", "Q0.7 decode convention: packed or unpacked")

	root.AddCommand(
		a.attentionCmd(),
		a.convertCmd(),
		a.compareCmd(),
		a.dumpCmd(),
		a.extractCmd(),
		a.exportCmd(),
	)
	return root
}

// setup loads the config file, applies explicitly set flags on top and
// starts the ambient services.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.cfgPath != "" {
		var err error
		if cfg, err = config.Load(a.cfgPath); err != nil {
			return err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("rows") {
		cfg.Rows = a.rows
	}
	if flags.Changed("cols") {
		cfg.Cols = a.cols
	}
	if flags.Changed("workers") {
		cfg.Workers = a.workers
	}
	if flags.Changed("mode") {
		cfg.Mode = a.mode
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr = a.metricsAddr
	}
	if flags.Changed("flight-addr") {
		cfg.Flight.Addr = a.flightAddr
	}
	if flags.Changed("flight-path") {
		cfg.Flight.Path = a.flightPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	if a.publish {
		if cfg.Flight.Addr == "" {
			return errors.New("--publish needs a Flight address (--flight-addr or flight.addr)")
		}
		pub := arrowsink.NewFlightPublisher(cfg.Flight.Addr)
		if err := pub.Connect(cmd.Context()); err != nil {
			return err
		}
		a.pub = pub
	}
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Log.Info("metrics serving", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Warn("metrics server error", "error", err.Error())
	}
}

func (a *app) runner() *pipeline.Runner {
	var opts []pipeline.Option
	if a.pub != nil {
		opts = append(opts, pipeline.WithPublisher(a.pub))
	}
	return pipeline.NewRunner(a.cfg, opts...)
}

func (a *app) format() (tensor.Representation, memfmt.Convention, error) {
	repr, err := tensor.ParseRepresentation(a.repr)
	if err != nil {
		return repr, 0, err
	}
	conv, err := memfmt.ParseConvention(a.convention)
	return repr, conv, err
}

package main

// admitsim runs an admission-control experiment over a topology and writes the
// results of every replication to the output directory

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iti/admitsim"
	"github.com/iti/admitsim/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tebeka/atexit"
)

var (
	cfgFile     = flag.String("config", "", "experiment configuration, yaml or json")
	topoFile    = flag.String("topology", "", "topology file (.yaml, .json, SNDlib .xml) or ring:N")
	kPaths      = flag.Int("k", 0, "candidate paths per node pair")
	numArrivals = flag.Int("a", 0, "arrivals per replication")
	minLoad     = flag.Float64("min-load", 0, "smallest load, in Erlangs")
	maxLoad     = flag.Float64("max-load", 0, "largest load, in Erlangs")
	loadStep    = flag.Float64("load-step", 0, "step between loads, in Erlangs")
	seed        = flag.Int64("s", 0, "seed of the first replication")
	numSeeds    = flag.Int("ns", 0, "replications per policy and load")
	threads     = flag.Int("t", 0, "replications run at once")
	outputDir   = flag.String("o", "", "output directory")
	format      = flag.String("format", "yaml", "results format, yaml or json")
	reportEvery = flag.String("te", "", "interval between partial result reports, a duration or whole seconds")
	trace       = flag.Bool("trace", false, "write a trace of every replication")
	metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics at this address")
)

func main() {
	flag.Parse()
	atexit.Exit(run())
}

// run returns the exit code: 0 on success, 2 on a configuration error, 1 otherwise
func run() int {
	logger := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := buildCfg()
	if err != nil {
		logger.Error(ctx, "configuration", logging.Err(err))
		return 2
	}
	if *format != "yaml" && *format != "json" {
		logger.Error(ctx, "configuration", logging.Err(fmt.Errorf("unknown results format %q", *format)))
		return 2
	}

	if _, err = admitsim.CheckReadableFiles([]string{cfg.TopologyFile}); err != nil {
		logger.Error(ctx, "topology file", logging.Err(err))
		return 2
	}
	if _, err = admitsim.CheckDirectories([]string{cfg.OutputDir}, true); err != nil {
		logger.Error(ctx, "output directory", logging.Err(err))
		return 2
	}

	td, err := admitsim.LoadTopoDesc(cfg.TopologyFile)
	if err != nil {
		logger.Error(ctx, "topology", logging.Err(err))
		return 2
	}

	opts := []admitsim.ExpOption{
		admitsim.WithLogger(logger),
		admitsim.WithReporter(admitsim.LogReporter{Logger: logger}),
	}
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics, merr := admitsim.CreateMetrics(reg)
		if merr != nil {
			logger.Error(ctx, "metrics", logging.Err(merr))
			return 1
		}
		opts = append(opts, admitsim.WithMetrics(metrics))
		serveMetrics(ctx, logger, reg)
	}

	exp, err := admitsim.BuildExperiment(cfg, td, opts...)
	if err != nil {
		logger.Error(ctx, "building experiment", logging.Err(err))
		if errors.Is(err, admitsim.ErrConfig) {
			return 2
		}
		return 1
	}

	// the results gathered so far are written however the process ends
	resultsFile := filepath.Join(cfg.OutputDir, "results-final."+*format)
	atexit.Register(func() {
		if werr := exp.Results().Desc(cfg.Name).WriteToFile(resultsFile); werr != nil {
			logger.Error(context.Background(), "writing results", logging.Err(werr))
			return
		}
		logger.Info(context.Background(), "results written", logging.String("file", resultsFile))
	})

	if err = writeRoutes(cfg, exp); err != nil {
		logger.Warn(ctx, "writing route table", logging.Err(err))
	}

	if _, err = exp.Run(ctx); err != nil {
		logger.Error(ctx, "experiment", logging.Err(err))
		return 1
	}
	return 0
}

// buildCfg reads the configuration file, if any, and lays the flags given
// on the command line over it
func buildCfg() (*admitsim.ExpCfg, error) {
	cfg := admitsim.DefaultExpCfg()
	if *cfgFile != "" {
		var err error
		ext := path.Ext(*cfgFile)
		cfg, err = admitsim.ReadExpCfg(*cfgFile, ext == ".yaml" || ext == ".yml", nil)
		if err != nil {
			return nil, err
		}
	}

	loadRange := false
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "topology":
			cfg.TopologyFile = *topoFile
		case "k":
			cfg.KPaths = *kPaths
		case "a":
			cfg.NumArrivals = *numArrivals
		case "min-load":
			cfg.MinLoad = *minLoad
			loadRange = true
		case "max-load":
			cfg.MaxLoad = *maxLoad
			loadRange = true
		case "load-step":
			cfg.LoadStep = *loadStep
			loadRange = true
		case "s":
			cfg.Seed = *seed
		case "ns":
			cfg.NumSeeds = *numSeeds
		case "t":
			cfg.Threads = *threads
		case "o":
			cfg.OutputDir = *outputDir
		case "te":
			cfg.ReportEvery = *reportEvery
		case "trace":
			cfg.Trace = *trace
		}
	})
	if loadRange {
		cfg.Loads = nil
	}

	if cfg.TopologyFile == "" {
		return nil, fmt.Errorf("%w: no topology given", admitsim.ErrConfig)
	}
	return cfg, cfg.Validate()
}

// writeRoutes stores the candidate paths next to the results
func writeRoutes(cfg *admitsim.ExpCfg, exp *admitsim.Experiment) error {
	return exp.Routes().Describe().WriteToFile(filepath.Join(cfg.OutputDir, "routes."+*format))
}

// serveMetrics exposes reg over HTTP until ctx is done
func serveMetrics(ctx context.Context, logger logging.Logger, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server", logging.Err(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info(ctx, "serving metrics", logging.String("addr", *metricsAddr))
}

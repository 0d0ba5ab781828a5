package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/doccache"
	"github.com/always-cache/doccache/cache"
	"github.com/always-cache/doccache/httptransport"
)

var (
	// CLI flags
	portFlag           int
	configFilenameFlag string
	dbFilenameFlag     string
	capacityFlag       int64
	documentURLFlag    string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.IntVar(&portFlag, "port", 8080, "Port to serve diagnostics on")
	flag.StringVar(&configFilenameFlag, "config", "", "YAML config file")
	flag.StringVar(&dbFilenameFlag, "db", "", "Disk cache file name, overrides config (use 'memory' for in-memory db)")
	flag.Int64Var(&capacityFlag, "capacity", 0, "Cache capacity in bytes, overrides config")
	flag.StringVar(&documentURLFlag, "document", "", "URL relative resource URLs resolve against")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	var fileConfig doccache.FileConfig
	if configFilenameFlag != "" {
		var err error
		if fileConfig, err = doccache.LoadConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
	}
	if dbFilenameFlag != "" {
		fileConfig.DiskCache = dbFilenameFlag
	}
	if capacityFlag > 0 {
		fileConfig.Capacity = capacityFlag
	}

	if err := run(fileConfig); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func run(fileConfig doccache.FileConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.NewSQLiteStore(fileConfig.DiskCache)
	if err != nil {
		return fmt.Errorf("opening disk cache: %w", err)
	}

	loop := doccache.NewLoop(fileConfig.SyncInterval, &log.Logger)
	opts := []httptransport.Option{
		httptransport.WithStore(store),
		httptransport.WithRules(fileConfig.Rules),
		httptransport.WithLogger(&log.Logger),
	}
	if h := fileConfig.HTTP; h.Timeout > 0 {
		opts = append(opts, httptransport.WithTimeout(h.Timeout))
	}
	if h := fileConfig.HTTP; h.RetryMax > 0 {
		opts = append(opts, httptransport.WithRetry(h.RetryMax, h.RetryWaitMin, h.RetryWaitMax))
	}
	if ua := fileConfig.HTTP.UserAgent; ua != "" {
		opts = append(opts, httptransport.WithUserAgent(ua))
	}
	transport, err := httptransport.New(loop.Post, opts...)
	if err != nil {
		store.Close()
		return err
	}

	metrics := doccache.NewMetrics()
	config := fileConfig.Config()
	config.Transport = transport
	config.Logger = &log.Logger
	config.Metrics = metrics
	c := doccache.New(config)

	docConfig, err := fileConfig.Document.DocumentConfig(documentURLFlag)
	if err != nil {
		transport.Close()
		return err
	}
	doc, err := c.NewDocument(docConfig)
	if err != nil {
		transport.Close()
		return err
	}

	// the loop outlives ctx so that shutdown work can still run on it
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- loop.Run(context.Background(), c)
	}()

	srv := &server{
		loop:    loop,
		cache:   c,
		doc:     doc,
		metrics: metrics,
		log:     log.Logger.With().Str("component", "server").Logger(),
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: srv.routes(),
	}
	serveDone := make(chan error, 1)
	go func() {
		log.Info().Msgf("Serving diagnostics on port %d", portFlag)
		serveDone <- httpServer.ListenAndServe()
	}()

	var errs *multierror.Error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-serveDone:
		errs = multierror.Append(errs, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := loop.Do(shutdownCtx, doc.Close); err != nil {
		errs = multierror.Append(errs, err)
	}
	loop.Close()
	if err := <-loopDone; err != nil {
		errs = multierror.Append(errs, err)
	}
	if n, err := transport.Prune(time.Now()); err != nil {
		errs = multierror.Append(errs, err)
	} else if n > 0 {
		log.Debug().Int("count", n).Msg("Pruned expired responses")
	}
	if err := transport.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

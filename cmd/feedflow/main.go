package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"feedflow/config"
	"feedflow/internal/book"
	"feedflow/internal/dashboard"
	"feedflow/internal/dispatch"
	"feedflow/internal/dumper"
	"feedflow/internal/feed"
	"feedflow/internal/market"
	"feedflow/internal/metadata"
	"feedflow/internal/sink"
	"feedflow/internal/symbols"
	"feedflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Feedflow.Name,
		"version": cfg.Feedflow.Version,
	}).Info("starting feedflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	// Persistence: one parquet partition pool, optionally shipped to S3 as
	// files finalize.
	var uploader *sink.Uploader
	writerOpts := dumper.Options{
		Root:        cfg.Writer.Root,
		BufferRows:  cfg.Writer.BufferRows,
		Compression: cfg.Writer.Compression,
	}
	if cfg.Storage.S3.Enabled {
		gen := metadata.NewGenerator(cfg.Writer.Root, cfg.Feedflow.Name)
		uploader, err = sink.NewUploader(cfg.Storage.S3, cfg.Writer.Root, cfg.Feedflow.Version, gen)
		if err != nil {
			log.WithError(err).Error("failed to create S3 uploader")
			os.Exit(1)
		}
		writerOpts.OnFinalize = uploader.OnFinalize
	} else {
		log.WithComponent("main").Info("S3 storage disabled; files stay local")
	}

	pool := dumper.NewPool(writerOpts)
	parquetSink := sink.NewParquetSink(pool)

	dispatcher := dispatch.NewDispatcher()
	for _, kind := range market.Kinds() {
		capacity, onFull := cfg.QueueFor(kind)
		err := dispatcher.Register("parquet", kind, parquetSink, dispatch.QueueConfig{
			Capacity: capacity,
			OnFull:   dispatch.Policy(onFull),
		})
		if err != nil {
			log.WithError(err).Error("failed to register parquet sink")
			os.Exit(1)
		}
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}

	store := book.NewStore(cfg.Book.MaxDepth)
	deps := feed.Deps{
		Directory:  symbols.NewDirectory(),
		Store:      store,
		Dispatcher: dispatcher,
	}

	var wg sync.WaitGroup
	for name, vc := range cfg.EnabledVenues() {
		client, err := feed.NewVenue(name, vc, deps)
		if err != nil {
			log.WithError(err).Error("failed to build venue connection")
			os.Exit(1)
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := client.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithFields(logger.Fields{"venue": name}).Warn("venue connection stopped")
			}
		}(name)
	}

	dash := dashboard.NewServer(cfg.Dashboard, log, cfg.Writer.Root, dashboard.Sources{
		Queues:     dispatcher.Stats,
		Partitions: parquetSink.Stats,
		Books:      store.Tops,
	})
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Feedflow.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
		log.WithFields(logger.Fields{"address": dash.Address()}).Info("dashboard listening")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()

		// Queued events still drain into the sink before the partition
		// files are finalized.
		dispatcher.Close()
		if err := parquetSink.Close(); err != nil {
			log.WithError(err).Warn("partition close reported errors")
		}
		if uploader != nil {
			uploader.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("feedflow stopped")
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"liqflow/config"
	"liqflow/internal/archive"
	"liqflow/internal/dashboard"
	"liqflow/internal/metrics"
	"liqflow/internal/pipeline"
	"liqflow/internal/store"
	"liqflow/internal/sweep"
	"liqflow/logger"
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
		"service": cfg.Liqflow.Name,
		"version": cfg.Liqflow.Version,
	}).Info("starting liqflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	publisher := metrics.NewPublisher(cfg.Metrics.Interval.Std())

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.WithError(err).Error("failed to open liquidation store")
		os.Exit(1)
	}
	defer st.Close()

	pipe, err := pipeline.New(cfg, st)
	if err != nil {
		log.WithError(err).Error("failed to build pipeline")
		os.Exit(1)
	}

	var archiver sweep.Archiver
	if cfg.Archive.Enabled {
		a, err := archive.New(cfg.Archive)
		if err != nil {
			log.WithError(err).Error("failed to create archiver")
			os.Exit(1)
		}
		archiver = a
	} else {
		log.WithComponent("main").Info("archive disabled; expired rows are deleted without upload")
	}

	sweeper := sweep.New(st, archiver, cfg.Store.Retention.Std(), cfg.Sweep.Interval.Std())

	apiServer, err := dashboard.NewServer(cfg.Dashboard, log, pipe)
	if err != nil {
		log.WithError(err).Error("failed to create api server")
		os.Exit(1)
	}

	if err := pipe.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}

	if err := sweeper.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start retention sweeper")
		os.Exit(1)
	}

	if err := publisher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start metrics publisher")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Warn("api server exited with error")
			}
		}()
		log.WithFields(logger.Fields{"address": apiServer.Address()}).Info("api server listening")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	publisher.Stop()
	sweeper.Stop()
	pipe.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("liqflow stopped")
}

// Package main runs the multi-cloud cost dashboard server.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cloudspend/internal/aggregator"
	"github.com/lvonguyen/cloudspend/internal/budgets"
	"github.com/lvonguyen/cloudspend/internal/clock"
	"github.com/lvonguyen/cloudspend/internal/config"
	"github.com/lvonguyen/cloudspend/internal/costdb"
	"github.com/lvonguyen/cloudspend/internal/normalizer"
	"github.com/lvonguyen/cloudspend/internal/providers"
	"github.com/lvonguyen/cloudspend/internal/refresh"
	"github.com/lvonguyen/cloudspend/internal/server"
	"github.com/lvonguyen/cloudspend/internal/summary"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting cost dashboard",
		zap.String("config", *configPath),
		zap.String("addr", cfg.Server.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	store := costdb.NewMemoryStore()
	creds := costdb.NewMemoryCredentialStore()
	norm := normalizer.New(cfg.Rates.USDPer, cfg.Rates.DefaultUnit, logger.Named("normalizer"))
	clk := clock.RealClock{}

	var collectors []providers.Collector
	var mongo *providers.MongoDBCollector

	if cfg.Azure.Enabled {
		collectors = append(collectors, providers.NewAzureCollector(providers.AzureConfig{
			SubscriptionID: cfg.Azure.SubscriptionID,
			APITimeout:     cfg.Azure.APITimeout.Std(),
		}, creds, store, norm, logger.Named("azure")))
	}
	if cfg.AWS.Enabled {
		collectors = append(collectors, providers.NewAWSCollector(providers.AWSConfig{
			Region:     cfg.AWS.Region,
			RoleARN:    cfg.AWS.RoleARN,
			APITimeout: cfg.AWS.APITimeout.Std(),
		}, norm, logger.Named("aws")))
	}
	if cfg.GCP.Enabled {
		collectors = append(collectors, providers.NewGCPCollector(providers.GCPConfig{
			ProjectID:       cfg.GCP.ProjectID,
			Dataset:         cfg.GCP.Dataset,
			CredentialsFile: cfg.GCP.CredentialsFile,
			APITimeout:      cfg.GCP.APITimeout.Std(),
		}, norm, logger.Named("gcp")))
	}
	if cfg.MongoDB.Enabled {
		mongo = providers.NewMongoDBCollector(providers.MongoDBConfig{
			OrgID:           cfg.MongoDB.OrgID,
			BaseURL:         cfg.MongoDB.BaseURL,
			APITimeout:      cfg.MongoDB.APITimeout.Std(),
			PollInterval:    cfg.MongoDB.PollInterval.Std(),
			MaxPollAttempts: cfg.MongoDB.MaxPollAttempts,
		}, creds, store, norm, logger.Named("mongodb"))
		collectors = append(collectors, mongo)
	}
	if len(collectors) == 0 {
		logger.Warn("No providers enabled, serving stored data only")
	}

	cache := summary.NewCache()
	agg := aggregator.New(collectors, creds, store, clk, logger.Named("aggregator"))
	orch := refresh.New(collectors, creds, store, cache, clk, logger.Named("refresh"))

	var importer *budgets.GCPImporter
	if cfg.GCP.Enabled && cfg.GCP.BillingAccount != "" {
		importer, err = budgets.NewGCPImporter(ctx, cfg.GCP.BillingAccount, cfg.GCP.CredentialsFile)
		if err != nil {
			logger.Warn("GCP budget import unavailable", zap.Error(err))
			importer = nil
		} else {
			defer importer.Close()
		}
	}
	budgetSvc := budgets.NewService(cfg.Budgets, importer, clk, logger.Named("budgets"))

	srv := server.New(server.Deps{
		Aggregator:  agg,
		Refresher:   orch,
		Store:       store,
		Credentials: creds,
		Cache:       cache,
		Budgets:     budgetSvc,
		Mongo:       mongo,
		Clock:       clk,
		Logger:      logger.Named("http"),
	})

	go orch.Run(ctx, cfg.Refresh.Interval.Std())

	go func() {
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server stopped", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
	logger.Info("Cost dashboard stopped")
}

// Command propflow runs property estimation workflows from the command
// line.
//
// Usage:
//
//	propflow run -schema schema.json -property property.json
//	propflow run -config propflow.yaml -schema schema.json -property property.json
//	propflow version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/propflow/propflow"
	"github.com/propflow/propflow/backend"
	"github.com/propflow/propflow/config"
	"github.com/propflow/propflow/internal/metrics"
	"github.com/propflow/propflow/storage"
	"github.com/propflow/propflow/types"
	"github.com/propflow/propflow/typedjson"
	"github.com/propflow/propflow/workflow"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		if err := runCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "propflow: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("propflow %s\n", version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: propflow <run|version> [flags]")
}

func runCommand(args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := flags.String("config", "", "path to the YAML configuration file")
	schemaPath := flags.String("schema", "", "path to the workflow schema JSON file")
	propertyPath := flags.String("property", "", "path to the property JSON file")
	forceFieldPath := flags.String("forcefield", "", "path to the force field handed to workflows")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *schemaPath == "" || *propertyPath == "" {
		return fmt.Errorf("both -schema and -property are required")
	}

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		return err
	}
	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	schema, err := loadSchema(*schemaPath)
	if err != nil {
		return err
	}
	property, err := loadProperty(*propertyPath)
	if err != nil {
		return err
	}

	store, err := buildStorage(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	options, err := cfg.WorkflowOptions()
	if err != nil {
		return err
	}

	estimatorOptions := []propflow.Option{
		propflow.WithWorkingDirectory(cfg.Engine.WorkingDirectory),
		propflow.WithStorage(store),
		propflow.WithWorkflowOptions(options),
		propflow.WithLogger(logger),
	}
	if cfg.Metrics.Enabled {
		estimatorOptions = append(estimatorOptions,
			propflow.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, nil)))
		go serveMetrics(cfg.Metrics.Port, logger)
	}

	computeBackend := backend.NewLocalBackend(backend.LocalConfig{
		Workers:   cfg.Backend.WorkerCount,
		Resources: cfg.ComputeResources(),
		Logger:    logger,
	})
	ctx := context.Background()
	if err := computeBackend.Start(ctx); err != nil {
		return fmt.Errorf("start compute backend: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Backend.ShutdownTimeout)
		defer cancel()
		_ = computeBackend.Shutdown(shutdownCtx)
	}()
	estimatorOptions = append(estimatorOptions, propflow.WithComputeBackend(computeBackend))

	estimator, err := propflow.New(estimatorOptions...)
	if err != nil {
		return err
	}

	started := time.Now()
	results, err := estimator.Estimate(ctx, []propflow.Request{{
		Property:       property,
		Schema:         schema,
		ForceFieldPath: *forceFieldPath,
	}})
	if err != nil {
		return err
	}
	logger.Info("estimation finished", zap.Duration("elapsed", time.Since(started)))

	return report(results[0])
}

func loadSchema(path string) (*workflow.WorkflowSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	schema := &workflow.WorkflowSchema{}
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return schema, nil
}

func loadProperty(path string) (*types.PhysicalProperty, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read property: %w", err)
	}
	property := &types.PhysicalProperty{}
	if err := json.Unmarshal(data, property); err != nil {
		return nil, fmt.Errorf("parse property: %w", err)
	}
	return property, nil
}

func buildStorage(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Type {
	case "redis":
		return storage.NewRedisStorage(storage.RedisConfig{
			Addr:      cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	default:
		return storage.NewLocalFileStorage(cfg.Storage.LocalRoot)
	}
}

func serveMetrics(port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	address := fmt.Sprintf(":%d", port)
	logger.Info("metrics endpoint listening", zap.String("address", address))
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.Warn("metrics endpoint stopped", zap.Error(err))
	}
}

func report(result *workflow.CalculationResult) error {
	switch {
	case result == nil:
		fmt.Println("the workflow did not meet its convergence target")
		return nil
	case result.Failed():
		return fmt.Errorf("estimation failed: %v", result.Error)
	}

	encoded, err := typedjson.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

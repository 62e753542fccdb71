// vdworker executes remote operations on virtual device instances. Requests
// arrive over Kafka or HTTP; every request gets its own SSH session and its
// report is stored in MongoDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrej220/vdctl/internal/lg"
	"github.com/andrej220/vdctl/pkg/config"
	"github.com/andrej220/vdctl/pkg/config/filestore"
	"github.com/andrej220/vdctl/pkg/kafkautil"
	"github.com/andrej220/vdctl/pkg/models"
	"github.com/andrej220/vdctl/pkg/report"
)

const serviceName = "vdworker"

func main() {
	logCfg := &lg.Config{ServiceName: serviceName}
	logCfg.RegisterFlags(flag.CommandLine)
	configPath := flag.String("config", "", "path to config file (yaml or toml)")
	flag.Parse()

	logger := lg.New(logCfg)
	defer logger.Sync()

	if err := run(logger, *configPath); err != nil {
		logger.Error("vdworker stopped", lg.Err(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(logger lg.Logger, configPath string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store report.Store
	if cfg.Report.MongoURI != "" {
		ms, err := report.NewMongoStore(ctx, cfg.Report.MongoURI, cfg.Report.MongoDB, cfg.Report.MongoCollection)
		if err != nil {
			return err
		}
		defer ms.Close(context.Background())
		store = ms
	} else if cfg.Report.Path != "" {
		store = report.NewFileStore(cfg.Report.Path)
	}

	var source requestSource
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := kafkautil.NewConsumer[models.Request](kafkautil.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger)
		defer consumer.Close()
		source = consumer
	}
	if source == nil && cfg.Worker.HealthAddr == "" {
		return fmt.Errorf("nothing to do: configure kafka brokers or worker.healthAddr")
	}

	w := newWorker(cfg, source, store, logger)

	if configPath != "" {
		fs := filestore.New(configPath)
		fs.Logger = logger
		stopWatch, err := fs.Watch(func() {
			next, err := config.Load(fs)
			if err != nil {
				logger.Warn("Ignoring invalid configuration change", lg.Err(err))
				return
			}
			w.reload(next)
		})
		if err != nil {
			logger.Warn("Configuration changes will not be picked up", lg.Err(err))
		} else {
			defer stopWatch()
		}
	}

	logger.Info("vdworker started",
		lg.Strings("brokers", cfg.Kafka.Brokers),
		lg.Int("max_workers", cfg.Worker.MaxWorkers))
	return w.run(ctx)
}

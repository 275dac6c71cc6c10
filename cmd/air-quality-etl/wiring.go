package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hashicorp/go-multierror"

	"github.com/i474232898/air-quality-etl/internal/airquality"
	"github.com/i474232898/air-quality-etl/internal/airquality/providers"
	"github.com/i474232898/air-quality-etl/internal/config"
	"github.com/i474232898/air-quality-etl/internal/history"
	"github.com/i474232898/air-quality-etl/internal/notify"
	"github.com/i474232898/air-quality-etl/internal/store"
)

// pipeline holds the components shared by the run and once commands.
type pipeline struct {
	service *airquality.Service
	store   *store.CSVStore
	ledger  *history.Ledger
	mqtt    *notify.MQTTNotifier
}

func buildPipeline(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*pipeline, error) {
	policy, err := store.ParseDedupPolicy(cfg.DedupPolicy)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	extractor := providers.NewRapidAPIExtractor(providers.RapidAPIConfig{
		Endpoint:    cfg.Endpoint,
		Lat:         cfg.Lat,
		Lon:         cfg.Lon,
		Headers:     cfg.Headers,
		RawJSONPath: cfg.RawJSONPath,
		RawCSVPath:  cfg.FlatCSVPath,
		Breaker: providers.BreakerConfig{
			MaxFailures: uint32(cfg.BreakerMaxFailures),
			Timeout:     cfg.BreakerTimeout,
		},
	}, httpClient, logger)

	p := &pipeline{
		store: store.NewCSVStore(cfg.DatasetPath, policy, logger),
	}
	opts := []airquality.ServiceOption{airquality.WithLogger(logger)}

	if cfg.HistoryDB != "" {
		if p.ledger, err = history.Open(cfg.HistoryDB); err != nil {
			return nil, fmt.Errorf("opening run history: %w", err)
		}
		opts = append(opts, airquality.WithRecorder(p.ledger))
	}

	// A broker that cannot be reached within the connect timeout only
	// disables notifications.
	var notifier airquality.Notifier = notify.Noop{}
	if cfg.MQTTBroker != "" {
		n := notify.NewMQTTNotifier(notify.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topic:    cfg.MQTTTopic,
		}, logger)
		connectCtx, cancel := context.WithTimeout(ctx, cfg.MQTTConnectTimeout)
		err := n.Connect(connectCtx)
		cancel()
		if err != nil {
			n.Disconnect()
			logger.Warn("run notifications disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			p.mqtt = n
			notifier = n
		}
	}
	opts = append(opts, airquality.WithNotifier(notifier))

	p.service = airquality.NewService(
		extractor,
		airquality.NewCleaner(logger, cfg.KeepColumns...),
		airquality.NewTransformer(),
		p.store,
		opts...,
	)
	return p, nil
}

func (p *pipeline) Close() error {
	var result *multierror.Error
	if p.mqtt != nil {
		p.mqtt.Disconnect()
	}
	if p.ledger != nil {
		if err := p.ledger.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing run history: %w", err))
		}
	}
	return result.ErrorOrNil()
}

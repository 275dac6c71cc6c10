package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/i474232898/air-quality-etl/internal/airquality"
	"github.com/i474232898/air-quality-etl/internal/common"
	"github.com/sony/gobreaker"
)

const (
	// DefaultEndpoint is the air-quality history endpoint on RapidAPI.
	DefaultEndpoint = "https://air-quality.p.rapidapi.com/history/airquality"

	HeaderKey  = "x-rapidapi-key"
	HeaderHost = "x-rapidapi-host"
)

// RapidAPIConfig configures a RapidAPIExtractor.
type RapidAPIConfig struct {
	Endpoint string
	Lat      float64
	Lon      float64
	// Headers are sent verbatim on every request, normally the API key and host.
	Headers     map[string]string
	RawJSONPath string
	RawCSVPath  string
	Breaker     BreakerConfig
}

// RapidAPIExtractor fetches the hourly air-quality history for one coordinate pair.
type RapidAPIExtractor struct {
	name    string
	cfg     RapidAPIConfig
	client  *http.Client
	circuit *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewRapidAPIExtractor(cfg RapidAPIConfig, client *http.Client, logger *slog.Logger) *RapidAPIExtractor {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &RapidAPIExtractor{
		name:   "rapidapi",
		cfg:    cfg,
		client: client,
		logger: logger,
	}
	p.circuit = newBreaker(p.name, cfg.Breaker, func(from, to gobreaker.State) {
		p.logger.Warn("circuit breaker state changed", "provider", p.name, "from", from.String(), "to", to.String())
	})
	return p
}

func (p *RapidAPIExtractor) Name() string {
	return p.name
}

// Extract performs one request. On success the response is saved as indented
// JSON, its flattened table is saved as CSV, and the table is returned. On any
// failure no file is left behind.
func (p *RapidAPIExtractor) Extract(ctx context.Context) (*airquality.Frame, error) {
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("lon", strconv.FormatFloat(p.cfg.Lon, 'f', -1, 64))
		values.Set("lat", strconv.FormatFloat(p.cfg.Lat, 'f', -1, 64))

		u := fmt.Sprintf("%s?%s", p.cfg.Endpoint, values.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range p.cfg.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}

	body, err := fetchOnce(ctx, p.client, p.circuit, buildRequest)
	if err != nil {
		return nil, err
	}

	frame, err := Flatten(body)
	if err != nil {
		return nil, err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "    "); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if err := p.persist(pretty.Bytes(), frame); err != nil {
		return nil, err
	}

	p.logger.Info("batch extracted",
		"provider", p.name,
		"rows", frame.Len(),
		"columns", len(frame.Columns),
		"raw_json", p.cfg.RawJSONPath,
		"raw_csv", p.cfg.RawCSVPath,
	)
	return frame, nil
}

func (p *RapidAPIExtractor) persist(rawJSON []byte, frame *airquality.Frame) error {
	if p.cfg.RawJSONPath != "" {
		if err := common.WriteFileAtomic(p.cfg.RawJSONPath, rawJSON, 0o644); err != nil {
			return &airquality.PersistenceIOError{Op: "write", Path: p.cfg.RawJSONPath, Err: err}
		}
	}
	if p.cfg.RawCSVPath != "" {
		if err := common.WriteCSVAtomic(p.cfg.RawCSVPath, frame.Records(), 0o644); err != nil {
			if p.cfg.RawJSONPath != "" {
				if rmErr := os.Remove(p.cfg.RawJSONPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
					p.logger.Warn("failed to remove raw json after csv failure", "path", p.cfg.RawJSONPath, "error", rmErr)
				}
			}
			return &airquality.PersistenceIOError{Op: "write", Path: p.cfg.RawCSVPath, Err: err}
		}
	}
	return nil
}

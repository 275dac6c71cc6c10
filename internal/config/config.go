package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelvins/geocoder"

	"github.com/i474232898/air-quality-etl/internal/airquality/providers"
)

// Milan, the coordinate pair the pipeline was built for.
const (
	DefaultLat = 45.464
	DefaultLon = 9.188
)

type AppConfig struct {
	AppEnv   string `validate:"oneof=dev prod"`
	LogLevel slog.Level

	Lat     float64 `validate:"latitude"`
	Lon     float64 `validate:"longitude"`
	City    string
	Country string

	Endpoint string `validate:"required,url"`
	// Headers sent with every upstream request, loaded from the credentials file.
	Headers map[string]string
	APIKey  string `validate:"required"`

	RawJSONPath string `validate:"required"`
	FlatCSVPath string `validate:"required"`
	DatasetPath string `validate:"required"`
	// HistoryDB is the run ledger database. Empty disables the ledger.
	HistoryDB string

	ScheduleInterval time.Duration `validate:"gt=0s"`
	PollInterval     time.Duration `validate:"gt=0s"`
	RunOnStart       bool
	// HTTPTimeout bounds the upstream call. Zero means no timeout.
	HTTPTimeout time.Duration `validate:"gte=0s"`

	BreakerMaxFailures int           `validate:"gte=1"`
	BreakerTimeout     time.Duration `validate:"gt=0s"`

	DedupPolicy string `validate:"oneof=full_row latest"`
	KeepColumns []string

	// HTTPAddr is the API listen address. Empty disables the API.
	HTTPAddr string

	// MQTTBroker enables run notifications, e.g. tcp://localhost:1883.
	MQTTBroker   string `validate:"omitempty,url"`
	MQTTClientID string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string
	// MQTTConnectTimeout bounds the initial broker connection at startup.
	MQTTConnectTimeout time.Duration `validate:"gt=0s"`
}

var validate = validator.New()

// geocode resolves a city to coordinates. Replaced in tests.
var geocode = func(apiKey, city, country string) (float64, float64, error) {
	geocoder.ApiKey = apiKey
	loc, err := geocoder.Geocoding(geocoder.Address{City: city, Country: country})
	if err != nil {
		return 0, 0, err
	}
	return loc.Latitude, loc.Longitude, nil
}

// Load reads configuration from the environment, after loading .env if present.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	cfg := &AppConfig{}
	var err error

	cfg.AppEnv = strings.ToLower(getenvDefault("APP_ENV", "dev"))
	if cfg.LogLevel, err = parseLogLevel(getenvDefault("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}

	if err := loadLocation(cfg); err != nil {
		return nil, err
	}

	cfg.Endpoint = getenvDefault("API_ENDPOINT", providers.DefaultEndpoint)
	if cfg.Headers, err = loadHeaders(os.Getenv("CREDENTIALS_FILE"), cfg.Endpoint); err != nil {
		return nil, err
	}
	cfg.APIKey = cfg.Headers[providers.HeaderKey]

	cfg.RawJSONPath = getenvDefault("RAW_JSON_PATH", "Data/Milan_Air_Quality.json")
	cfg.FlatCSVPath = getenvDefault("FLAT_CSV_PATH", "Data/Milan_Air_Quality.csv")
	cfg.DatasetPath = getenvDefault("DATASET_PATH", "Data/Milan_Air_Quality_Transformed.csv")
	cfg.HistoryDB = getenvDefault("HISTORY_DB", "Data/history.db")
	if v, ok := os.LookupEnv("HISTORY_DB"); ok && strings.TrimSpace(v) == "" {
		cfg.HistoryDB = ""
	}

	if cfg.ScheduleInterval, err = getenvDuration("SCHEDULE_INTERVAL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getenvDuration("POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.RunOnStart, err = getenvBool("RUN_ON_START", false); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 0); err != nil {
		return nil, err
	}

	cfg.BreakerMaxFailures = getenvInt("BREAKER_MAX_FAILURES", 3)
	if cfg.BreakerTimeout, err = getenvDuration("BREAKER_TIMEOUT", time.Hour); err != nil {
		return nil, err
	}

	cfg.DedupPolicy = strings.ToLower(getenvDefault("DEDUP_POLICY", "full_row"))
	cfg.KeepColumns = splitList(os.Getenv("KEEP_COLUMNS"))

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok && strings.TrimSpace(v) == "" {
		cfg.HTTPAddr = ""
	}

	cfg.MQTTBroker = os.Getenv("MQTT_BROKER")
	cfg.MQTTClientID = getenvDefault("MQTT_CLIENT_ID", "air-quality-etl")
	cfg.MQTTTopic = getenvDefault("MQTT_TOPIC", "airquality/runs")
	cfg.MQTTUsername = os.Getenv("MQTT_USERNAME")
	cfg.MQTTPassword = os.Getenv("MQTT_PASSWORD")
	if cfg.MQTTConnectTimeout, err = getenvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadLocation uses LOCATION_LAT/LOCATION_LON when given. Otherwise, if a
// city and a geocoder key are configured, the city is geocoded; failing that
// the default coordinates apply.
func loadLocation(cfg *AppConfig) error {
	cfg.City = os.Getenv("LOCATION_CITY")
	cfg.Country = os.Getenv("LOCATION_COUNTRY")

	latStr, lonStr := os.Getenv("LOCATION_LAT"), os.Getenv("LOCATION_LON")
	if latStr != "" || lonStr != "" {
		if latStr == "" || lonStr == "" {
			return fmt.Errorf("LOCATION_LAT and LOCATION_LON must be set together")
		}
		var err error
		if cfg.Lat, err = strconv.ParseFloat(latStr, 64); err != nil {
			return fmt.Errorf("invalid LOCATION_LAT: %w", err)
		}
		if cfg.Lon, err = strconv.ParseFloat(lonStr, 64); err != nil {
			return fmt.Errorf("invalid LOCATION_LON: %w", err)
		}
		return nil
	}

	if key := os.Getenv("GEOCODER_API_KEY"); cfg.City != "" && key != "" {
		lat, lon, err := geocode(key, cfg.City, cfg.Country)
		if err != nil {
			return fmt.Errorf("geocoding %s: %w", cfg.City, err)
		}
		cfg.Lat, cfg.Lon = lat, lon
		return nil
	}

	cfg.Lat, cfg.Lon = DefaultLat, DefaultLon
	return nil
}

// loadHeaders reads the credential map from a JSON file of header names to
// values. RAPIDAPI_KEY and RAPIDAPI_HOST override the file. The host header
// defaults to the endpoint host.
func loadHeaders(path, endpoint string) (map[string]string, error) {
	headers := map[string]string{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}
		if err := json.Unmarshal(data, &headers); err != nil {
			return nil, fmt.Errorf("parsing credentials file %s: %w", path, err)
		}
	}

	if v := os.Getenv("RAPIDAPI_KEY"); v != "" {
		headers[providers.HeaderKey] = v
	}
	if v := os.Getenv("RAPIDAPI_HOST"); v != "" {
		headers[providers.HeaderHost] = v
	}
	if headers[providers.HeaderHost] == "" {
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			headers[providers.HeaderHost] = u.Hostname()
		}
	}
	return headers, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

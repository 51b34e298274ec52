// Package config loads pipeline configuration from the environment
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the postrack pipeline configuration
type Config struct {
	// General
	LogLevel string `json:"log_level"`
	DBPath   string `json:"db_path"`
	LockPath string `json:"lock_path"`

	// Telemetry source
	TelemetryBaseURL  string `json:"telemetry_base_url"`
	TelemetryToken    string `json:"telemetry_token"`
	TelemetryRowLimit int    `json:"telemetry_row_limit"`
	ChannelSatLon     int    `json:"channel_sat_lon"`
	ChannelSatLat     int    `json:"channel_sat_lat"`
	ChannelWifi       int    `json:"channel_wifi"`
	ChannelBluetooth  int    `json:"channel_bluetooth"`

	// Geolocation
	GeolocationAPIKey string `json:"geolocation_api_key"`
	GeoMinAPCount     int    `json:"geo_min_ap_count"`
	GeoMaxAPCount     int    `json:"geo_max_ap_count"`
	GeoSignalFloorDBM int    `json:"geo_signal_floor_dbm"`

	// Position filtering
	HysteresisThresholdM float64 `json:"hysteresis_threshold_m"`
	MacCacheMaxAgeDays   int     `json:"mac_cache_max_age_days"`

	// Scheduling
	MinRunInterval time.Duration `json:"min_run_interval"`

	// Email dispatch
	EmailEndpoint string `json:"email_endpoint"`
	EmailAPIKey   string `json:"email_api_key"`
	EmailFrom     string `json:"email_from"`
	EmailFromName string `json:"email_from_name"`

	// Observability
	MetricsListen string `json:"metrics_listen"`

	// Optional position publish
	MQTTEnabled     bool   `json:"mqtt_enabled"`
	MQTTBroker      string `json:"mqtt_broker"`
	MQTTPort        int    `json:"mqtt_port"`
	MQTTUsername    string `json:"mqtt_username"`
	MQTTPassword    string `json:"mqtt_password"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`
}

// Default configuration values
const (
	DefaultLogLevel             = "info"
	DefaultDBPath               = "postrack.db"
	DefaultLockPath             = "/tmp/postrack.lock"
	DefaultTelemetryRowLimit    = 5000
	DefaultChannelSatLon        = 1
	DefaultChannelSatLat        = 2
	DefaultChannelWifi          = 3
	DefaultChannelBluetooth     = 4
	DefaultGeoMinAPCount        = 2
	DefaultGeoMaxAPCount        = 12
	DefaultGeoSignalFloorDBM    = -90
	DefaultHysteresisThresholdM = 50.0
	DefaultMacCacheMaxAgeDays   = 30
	DefaultMinRunIntervalMin    = 10
	DefaultEmailFromName        = "postrack"
	DefaultMQTTPort             = 1883
	DefaultMQTTTopicPrefix      = "postrack"
)

// Load reads configuration from an optional .env file and the process
// environment. Missing optional values fall back to defaults; missing
// required credentials are reported by Validate.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("config: loading %s: %w", envFile, err)
			}
		}
	} else {
		// Best effort load of a local .env, absence is fine
		_ = godotenv.Load()
	}

	cfg := &Config{
		LogLevel: getString("POSTRACK_LOG_LEVEL", DefaultLogLevel),
		DBPath:   getString("POSTRACK_DB", DefaultDBPath),
		LockPath: getString("POSTRACK_LOCK", DefaultLockPath),

		TelemetryBaseURL:  getString("POSTRACK_TELEMETRY_URL", ""),
		TelemetryToken:    getString("POSTRACK_TELEMETRY_TOKEN", ""),
		TelemetryRowLimit: getInt("POSTRACK_TELEMETRY_ROW_LIMIT", DefaultTelemetryRowLimit),
		ChannelSatLon:     getInt("POSTRACK_CHANNEL_SAT_LON", DefaultChannelSatLon),
		ChannelSatLat:     getInt("POSTRACK_CHANNEL_SAT_LAT", DefaultChannelSatLat),
		ChannelWifi:       getInt("POSTRACK_CHANNEL_WIFI", DefaultChannelWifi),
		ChannelBluetooth:  getInt("POSTRACK_CHANNEL_BLUETOOTH", DefaultChannelBluetooth),

		GeolocationAPIKey: getString("POSTRACK_GEOLOCATION_API_KEY", ""),
		GeoMinAPCount:     getInt("POSTRACK_GEO_MIN_AP_COUNT", DefaultGeoMinAPCount),
		GeoMaxAPCount:     getInt("POSTRACK_GEO_MAX_AP_COUNT", DefaultGeoMaxAPCount),
		GeoSignalFloorDBM: getInt("POSTRACK_GEO_SIGNAL_FLOOR_DBM", DefaultGeoSignalFloorDBM),

		HysteresisThresholdM: getFloat("POSTRACK_HYSTERESIS_THRESHOLD_M", DefaultHysteresisThresholdM),
		MacCacheMaxAgeDays:   getInt("POSTRACK_MAC_CACHE_MAX_AGE_DAYS", DefaultMacCacheMaxAgeDays),

		MinRunInterval: time.Duration(getInt("POSTRACK_MIN_RUN_INTERVAL_MIN", DefaultMinRunIntervalMin)) * time.Minute,

		EmailEndpoint: getString("POSTRACK_EMAIL_ENDPOINT", ""),
		EmailAPIKey:   getString("POSTRACK_EMAIL_API_KEY", ""),
		EmailFrom:     getString("POSTRACK_EMAIL_FROM", ""),
		EmailFromName: getString("POSTRACK_EMAIL_FROM_NAME", DefaultEmailFromName),

		MetricsListen: getString("POSTRACK_METRICS_LISTEN", ""),

		MQTTEnabled:     getBool("POSTRACK_MQTT_ENABLED", false),
		MQTTBroker:      getString("POSTRACK_MQTT_BROKER", ""),
		MQTTPort:        getInt("POSTRACK_MQTT_PORT", DefaultMQTTPort),
		MQTTUsername:    getString("POSTRACK_MQTT_USERNAME", ""),
		MQTTPassword:    getString("POSTRACK_MQTT_PASSWORD", ""),
		MQTTTopicPrefix: getString("POSTRACK_MQTT_TOPIC_PREFIX", DefaultMQTTTopicPrefix),
	}

	return cfg, nil
}

// Validate checks required credentials and value sanity. A validation error
// is the only unrecoverable setup failure the pipeline reports.
func (c *Config) Validate() error {
	if c.TelemetryBaseURL == "" {
		return fmt.Errorf("config: POSTRACK_TELEMETRY_URL is required")
	}
	if c.TelemetryToken == "" {
		return fmt.Errorf("config: POSTRACK_TELEMETRY_TOKEN is required")
	}
	if c.GeolocationAPIKey == "" {
		return fmt.Errorf("config: POSTRACK_GEOLOCATION_API_KEY is required")
	}
	if c.HysteresisThresholdM < 0 {
		return fmt.Errorf("config: hysteresis threshold must be >= 0, got %f", c.HysteresisThresholdM)
	}
	if c.MacCacheMaxAgeDays <= 0 {
		return fmt.Errorf("config: mac cache max age must be positive, got %d", c.MacCacheMaxAgeDays)
	}
	if c.GeoMinAPCount < 1 {
		return fmt.Errorf("config: geo min AP count must be >= 1, got %d", c.GeoMinAPCount)
	}
	if c.GeoMaxAPCount < c.GeoMinAPCount {
		return fmt.Errorf("config: geo max AP count %d below min %d", c.GeoMaxAPCount, c.GeoMinAPCount)
	}
	if c.MQTTEnabled && c.MQTTBroker == "" {
		return fmt.Errorf("config: POSTRACK_MQTT_BROKER is required when MQTT is enabled")
	}
	return nil
}

// MacCacheMaxAge returns the cache TTL as a duration
func (c *Config) MacCacheMaxAge() time.Duration {
	return time.Duration(c.MacCacheMaxAgeDays) * 24 * time.Hour
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

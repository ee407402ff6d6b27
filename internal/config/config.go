package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	GRPC      GRPCConfig
	Worker    WorkerConfig
	Sources   SourcesConfig
	Schedule  ScheduleConfig
	Pipeline  PipelineConfig
	Quota     QuotaConfig
	Geodata   GeodataConfig
	Imagery   ImageryConfig
	Storage   StorageConfig
	Report    ReportConfig
	Ground    GroundTruthConfig
	Notify    NotifyConfig
	DB        DatabaseConfig
	Logging   LoggingConfig
	RateLimit RateLimitConfig
}

type GRPCConfig struct {
	Enabled bool
	Port    int
}

type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

type WorkerConfig struct {
	Count      int
	BufferSize int
}

type SourcesConfig struct {
	USGSEnabled       bool
	USGSURL           string
	USGSPollInterval  time.Duration
	GDACSEnabled      bool
	GDACSURL          string
	GDACSPollInterval time.Duration
	EONETEnabled      bool
	EONETURL          string
	EONETPollInterval time.Duration
	HTTPTimeout       time.Duration
	RetryCount        int
	StaleAfter        time.Duration
}

type ScheduleConfig struct {
	StaleSweepInterval    time.Duration
	PipelineSweepInterval time.Duration
	RecoveryInterval      time.Duration
	AlertInterval         time.Duration
	TaskTimeout           time.Duration
}

type PipelineConfig struct {
	AutoTrigger      bool
	MaxBuildings     int
	BBoxRadiusDeg    float64
	StageTimeout     time.Duration
	InterruptedAfter time.Duration
}

type QuotaConfig struct {
	ImageryMonthlyLimit int
	ImagerySafeLimit    int
	VisionDailyLimit    int
	VisionSafeLimit     int
}

type GeodataConfig struct {
	OverpassURL string
	CacheTTL    time.Duration
	Timeout     time.Duration
	RedisAddr   string
	RedisPass   string
	RedisDB     int
}

type ImageryConfig struct {
	SentinelBaseURL  string
	SentinelTokenURL string
	ClientID         string
	ClientSecret     string
	Timeout          time.Duration
	UnitsPerRun      int
}

type StorageConfig struct {
	Bucket        string
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
}

type ReportConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	VisionModel string
	Timeout     time.Duration
}

type GroundTruthConfig struct {
	ClassifierURL   string
	ClassifierToken string
	MaxPerHour      int
	MaxPhotoBytes   int64
}

type NotifyConfig struct {
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
	KafkaBrokers []string
	KafkaTopic   string
}

type DatabaseConfig struct {
	Path         string
	MaxOpenConns int
}

type LoggingConfig struct {
	Level string
}

type RateLimitConfig struct {
	RPS int
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "localhost"),
			Port:        getEnvInt("SERVER_PORT", 8080),
			CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		},
		GRPC: GRPCConfig{
			Enabled: getEnvBool("GRPC_ENABLED", true),
			Port:    getEnvInt("GRPC_PORT", 50051),
		},
		Worker: WorkerConfig{
			Count:      getEnvInt("WORKER_COUNT", 2),
			BufferSize: getEnvInt("WORKER_BUFFER_SIZE", 20),
		},
		Sources: SourcesConfig{
			USGSEnabled:       getEnvBool("USGS_ENABLED", true),
			USGSURL:           getEnv("USGS_URL", "https://earthquake.usgs.gov/earthquakes/feed/v1.0/summary/4.5_week.geojson"),
			USGSPollInterval:  getEnvDuration("USGS_POLL_INTERVAL", 5*time.Minute),
			GDACSEnabled:      getEnvBool("GDACS_ENABLED", true),
			GDACSURL:          getEnv("GDACS_URL", "https://www.gdacs.org/xml/rss.xml"),
			GDACSPollInterval: getEnvDuration("GDACS_POLL_INTERVAL", 10*time.Minute),
			EONETEnabled:      getEnvBool("EONET_ENABLED", true),
			EONETURL:          getEnv("EONET_URL", "https://eonet.gsfc.nasa.gov/api/v3/events?status=open&limit=50"),
			EONETPollInterval: getEnvDuration("EONET_POLL_INTERVAL", 24*time.Hour),
			HTTPTimeout:       getEnvDuration("FEED_HTTP_TIMEOUT", 30*time.Second),
			RetryCount:        getEnvInt("FEED_RETRY_COUNT", 2),
			StaleAfter:        getEnvDuration("EVENT_STALE_AFTER", 72*time.Hour),
		},
		Schedule: ScheduleConfig{
			StaleSweepInterval:    getEnvDuration("STALE_SWEEP_INTERVAL", 6*time.Hour),
			PipelineSweepInterval: getEnvDuration("PIPELINE_SWEEP_INTERVAL", 10*time.Minute),
			RecoveryInterval:      getEnvDuration("RECOVERY_INTERVAL", 2*time.Hour),
			AlertInterval:         getEnvDuration("ALERT_INTERVAL", 15*time.Minute),
			TaskTimeout:           getEnvDuration("TASK_TIMEOUT", 5*time.Minute),
		},
		Pipeline: PipelineConfig{
			AutoTrigger:      getEnvBool("PIPELINE_AUTO_TRIGGER", true),
			MaxBuildings:     getEnvInt("PIPELINE_MAX_BUILDINGS", 1000),
			BBoxRadiusDeg:    getEnvFloat("PIPELINE_BBOX_RADIUS_DEG", 0.2),
			StageTimeout:     getEnvDuration("PIPELINE_STAGE_TIMEOUT", 2*time.Minute),
			InterruptedAfter: getEnvDuration("PIPELINE_INTERRUPTED_AFTER", 30*time.Minute),
		},
		Quota: QuotaConfig{
			ImageryMonthlyLimit: getEnvInt("IMAGERY_MONTHLY_LIMIT", 30000),
			ImagerySafeLimit:    getEnvInt("IMAGERY_SAFE_LIMIT", 25000),
			VisionDailyLimit:    getEnvInt("VISION_DAILY_LIMIT", 1500),
			VisionSafeLimit:     getEnvInt("VISION_SAFE_LIMIT", 1400),
		},
		Geodata: GeodataConfig{
			OverpassURL: getEnv("OVERPASS_URL", "https://overpass-api.de/api/interpreter"),
			CacheTTL:    getEnvDuration("GEODATA_CACHE_TTL", 7*24*time.Hour),
			Timeout:     getEnvDuration("GEODATA_TIMEOUT", 60*time.Second),
			RedisAddr:   getEnv("REDIS_ADDR", ""),
			RedisPass:   getEnv("REDIS_PASSWORD", ""),
			RedisDB:     getEnvInt("REDIS_DB", 0),
		},
		Imagery: ImageryConfig{
			SentinelBaseURL:  getEnv("SENTINEL_HUB_URL", "https://services.sentinel-hub.com"),
			SentinelTokenURL: getEnv("SENTINEL_HUB_TOKEN_URL", "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"),
			ClientID:         getEnv("SENTINEL_HUB_CLIENT_ID", ""),
			ClientSecret:     getEnv("SENTINEL_HUB_CLIENT_SECRET", ""),
			Timeout:          getEnvDuration("SENTINEL_HUB_TIMEOUT", 60*time.Second),
			UnitsPerRun:      getEnvInt("SENTINEL_HUB_UNITS_PER_RUN", 100),
		},
		Storage: StorageConfig{
			Bucket:        getEnv("STORAGE_BUCKET", "sentinel-media"),
			Endpoint:      getEnv("STORAGE_ENDPOINT", ""),
			Region:        getEnv("STORAGE_REGION", "auto"),
			AccessKey:     getEnv("STORAGE_ACCESS_KEY", ""),
			SecretKey:     getEnv("STORAGE_SECRET_KEY", ""),
			PublicBaseURL: getEnv("STORAGE_PUBLIC_URL", ""),
		},
		Report: ReportConfig{
			APIKey:      getEnv("REPORT_API_KEY", ""),
			BaseURL:     getEnv("REPORT_BASE_URL", "https://api.groq.com/openai/v1"),
			Model:       getEnv("REPORT_MODEL", "llama-3.1-70b-versatile"),
			VisionModel: getEnv("VISION_MODEL", ""),
			Timeout:     getEnvDuration("REPORT_TIMEOUT", 30*time.Second),
		},
		Ground: GroundTruthConfig{
			ClassifierURL:   getEnv("CLASSIFIER_URL", ""),
			ClassifierToken: getEnv("CLASSIFIER_TOKEN", ""),
			MaxPerHour:      getEnvInt("GROUND_REPORTS_PER_HOUR", 10),
			MaxPhotoBytes:   int64(getEnvInt("GROUND_REPORT_MAX_PHOTO_BYTES", 10<<20)),
		},
		Notify: NotifyConfig{
			MQTTBroker:   getEnv("MQTT_BROKER", ""),
			MQTTClientID: getEnv("MQTT_CLIENT_ID", "disaster-sentinel"),
			MQTTTopic:    getEnv("MQTT_TOPIC", "sentinel/updates"),
			KafkaBrokers: getEnvList("KAFKA_BROKERS", nil),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "sentinel-updates"),
		},
		DB: DatabaseConfig{
			Path:         getEnv("DB_PATH", "./data/sentinel.db"),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 10),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		RateLimit: RateLimitConfig{
			RPS: getEnvInt("RATE_LIMIT_RPS", 5),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.GRPC.Enabled && (c.GRPC.Port < 1 || c.GRPC.Port > 65535) {
		return fmt.Errorf("invalid grpc port: %d", c.GRPC.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Sources.USGSPollInterval < time.Minute {
		return fmt.Errorf("USGS poll interval must be at least 1 minute")
	}
	if c.Sources.GDACSPollInterval < time.Minute {
		return fmt.Errorf("GDACS poll interval must be at least 1 minute")
	}
	if c.Sources.EONETPollInterval < time.Minute {
		return fmt.Errorf("EONET poll interval must be at least 1 minute")
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.Pipeline.MaxBuildings < 1 {
		return fmt.Errorf("pipeline max buildings must be at least 1")
	}

	if c.Quota.ImagerySafeLimit > c.Quota.ImageryMonthlyLimit {
		return fmt.Errorf("imagery safe limit %d exceeds monthly limit %d", c.Quota.ImagerySafeLimit, c.Quota.ImageryMonthlyLimit)
	}
	if c.Quota.VisionSafeLimit > c.Quota.VisionDailyLimit {
		return fmt.Errorf("vision safe limit %d exceeds daily limit %d", c.Quota.VisionSafeLimit, c.Quota.VisionDailyLimit)
	}

	if c.DB.MaxOpenConns < 1 {
		return fmt.Errorf("db max open conns must be at least 1")
	}
	if c.RateLimit.RPS < 1 {
		return fmt.Errorf("rate limit must be at least 1 request per second")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

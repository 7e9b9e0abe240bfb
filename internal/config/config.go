package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// Lifecycle events (SNS topic) and ops escalations (SQS queue)
	EventsTopicARN string
	OpsQueueURL    string
	OpsQueueRegion string

	// Push gateway config
	PushGatewayURL     string
	PushGatewayTimeout time.Duration

	// Queue processor config
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	SendTimeout  time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffCap   time.Duration

	// Escalation policy: per-severity deadline windows, comma-separated
	// durations from tier 1 outward, e.g. "30s,60s,90s".
	CriticalWindows  []time.Duration
	HighWindows      []time.Duration
	MediumWindows    []time.Duration
	LowWindows       []time.Duration
	MaxAlertLifetime time.Duration

	// Rate limit for alert creation, per subject
	AlertRateLimit  int
	AlertRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "alerts@beacon.local",

		PushGatewayTimeout: 10 * time.Second,

		PollInterval: 1 * time.Second,
		BatchSize:    25,
		Workers:      4,
		SendTimeout:  10 * time.Second,
		MaxRetries:   3,
		BackoffBase:  5 * time.Second,
		BackoffCap:   2 * time.Minute,

		CriticalWindows:  []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second},
		HighWindows:      []time.Duration{60 * time.Second, 120 * time.Second},
		MediumWindows:    []time.Duration{120 * time.Second, 300 * time.Second},
		LowWindows:       []time.Duration{120 * time.Second, 300 * time.Second},
		MaxAlertLifetime: 24 * time.Hour,

		AlertRateLimit:  10,
		AlertRateWindow: time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("EVENTS_TOPIC_ARN"); arn != "" {
		cfg.EventsTopicARN = arn
	}

	if url := os.Getenv("OPS_QUEUE_URL"); url != "" {
		cfg.OpsQueueURL = url
	}

	if region := os.Getenv("OPS_QUEUE_REGION"); region != "" {
		cfg.OpsQueueRegion = region
	} else {
		cfg.OpsQueueRegion = cfg.AWSRegion
	}

	if url := os.Getenv("PUSH_GATEWAY_URL"); url != "" {
		cfg.PushGatewayURL = url
	}

	if v := os.Getenv("PUSH_GATEWAY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PUSH_GATEWAY_TIMEOUT: %w", err)
		}
		cfg.PushGatewayTimeout = d
	}

	// Queue processor config
	if v := os.Getenv("QUEUE_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if v := os.Getenv("QUEUE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}

	if v := os.Getenv("QUEUE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QUEUE_WORKERS: %w", err)
		}
		cfg.Workers = n
	}

	if v := os.Getenv("SEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}

	if v := os.Getenv("BACKOFF_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BACKOFF_BASE: %w", err)
		}
		cfg.BackoffBase = d
	}

	if v := os.Getenv("BACKOFF_CAP"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BACKOFF_CAP: %w", err)
		}
		cfg.BackoffCap = d
	}

	// Escalation policy
	var err error
	if cfg.CriticalWindows, err = windowsEnv("ESCALATION_WINDOWS_CRITICAL", cfg.CriticalWindows); err != nil {
		return nil, err
	}
	if cfg.HighWindows, err = windowsEnv("ESCALATION_WINDOWS_HIGH", cfg.HighWindows); err != nil {
		return nil, err
	}
	if cfg.MediumWindows, err = windowsEnv("ESCALATION_WINDOWS_MEDIUM", cfg.MediumWindows); err != nil {
		return nil, err
	}
	if cfg.LowWindows, err = windowsEnv("ESCALATION_WINDOWS_LOW", cfg.LowWindows); err != nil {
		return nil, err
	}

	if v := os.Getenv("MAX_ALERT_LIFETIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ALERT_LIFETIME: %w", err)
		}
		cfg.MaxAlertLifetime = d
	}

	// Rate limiting
	if v := os.Getenv("ALERT_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ALERT_RATE_LIMIT: %w", err)
		}
		cfg.AlertRateLimit = n
	}

	if v := os.Getenv("ALERT_RATE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ALERT_RATE_WINDOW: %w", err)
		}
		cfg.AlertRateWindow = d
	}

	return cfg, nil
}

// windowsEnv parses a comma-separated duration list, e.g. "30s,60s,90s".
func windowsEnv(name string, def []time.Duration) ([]time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}

	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return def, nil
	}
	return out, nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Redis (dedup cache, rate limits, prefs cache, realtime topics)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS transports
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // region for SNS (SMS + push platform endpoints)

	// SQS ingest (send requests from campaign engine / reminders / AI layer)
	SQSRegion   string
	SQSQueueURL string

	// Hub behavior
	MaxNotificationsPerHour int // per-recipient sliding window
	TenantRequestsPerMinute int // API edge rate limit per tenant
	BatchChunkSize          int // recipients per batch chunk
	BatchConcurrency        int // in-flight sends within a chunk
	BatchSendsPerSecond     int // global fan-out budget
	SchedulerPollSeconds    int // scheduled-job poll interval
	InAppIndexCap           int // per-user in-app record cap

	// AllowDegradedChannels keeps the service starting when a transport
	// adapter fails to build, disabling that channel instead of failing.
	// Off by default: a misconfigured transport is a startup error.
	AllowDegradedChannels bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "pulse",
		DBPassword: "",
		DBName:     "pulse",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@pulse.local",

		MaxNotificationsPerHour: 60,
		TenantRequestsPerMinute: 100,
		BatchChunkSize:          100,
		BatchConcurrency:        10,
		BatchSendsPerSecond:     50,
		SchedulerPollSeconds:    5,
		InAppIndexCap:           1000,
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

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	if raw := os.Getenv("ALLOW_DEGRADED_CHANNELS"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid ALLOW_DEGRADED_CHANNELS: %q", raw)
		}
		cfg.AllowDegradedChannels = b
	}

	// Hub behavior
	for _, v := range []struct {
		env  string
		dest *int
	}{
		{"MAX_NOTIFICATIONS_PER_HOUR", &cfg.MaxNotificationsPerHour},
		{"TENANT_REQUESTS_PER_MINUTE", &cfg.TenantRequestsPerMinute},
		{"BATCH_CHUNK_SIZE", &cfg.BatchChunkSize},
		{"BATCH_CONCURRENCY", &cfg.BatchConcurrency},
		{"BATCH_SENDS_PER_SECOND", &cfg.BatchSendsPerSecond},
		{"SCHEDULER_POLL_SECONDS", &cfg.SchedulerPollSeconds},
		{"IN_APP_INDEX_CAP", &cfg.InAppIndexCap},
	} {
		if raw := os.Getenv(v.env); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid %s: %q", v.env, raw)
			}
			*v.dest = n
		}
	}

	return cfg, nil
}

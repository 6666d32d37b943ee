package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion      string `envconfig:"AWS_REGION" required:"true"`
	SQSEndpoint    string `envconfig:"SQS_ENDPOINT"`
	SQSQueuePrefix string `envconfig:"SQS_QUEUE_PREFIX" default:"voice-campaign"`
	CreateQueues   bool   `envconfig:"SQS_CREATE_QUEUES" default:"false"`
}

type WorkerConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Postgres pool
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// Redis (daily usage counters)
	RedisAddr     string `envconfig:"REDIS_ADDR" required:"true"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// AWS / SQS
	AWSRegion      string `envconfig:"AWS_REGION" required:"true"`
	SQSEndpoint    string `envconfig:"SQS_ENDPOINT"`
	SQSQueuePrefix string `envconfig:"SQS_QUEUE_PREFIX" default:"voice-campaign"`
	CreateQueues   bool   `envconfig:"SQS_CREATE_QUEUES" default:"false"`
	SQSWaitTime    int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs     int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout  int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"330"`

	// Per-queue job handling
	QueueConcurrency  int `envconfig:"QUEUE_CONCURRENCY" default:"5"`
	JobTimeoutMs      int `envconfig:"JOB_TIMEOUT_MS" default:"300000"`
	ShutdownTimeoutMs int `envconfig:"SHUTDOWN_TIMEOUT_MS" default:"30000"`
	MaxReceiveCount   int `envconfig:"MAX_RECEIVE_COUNT" default:"6"`
	MaxMemoryMB       int `envconfig:"MAX_MEMORY_MB" default:"0"`

	// Call accounting
	CostPerCall   float64 `envconfig:"COST_PER_CALL" default:"0.15"`
	SpendCurrency string  `envconfig:"SPEND_CURRENCY" default:"EUR"`

	// Twilio
	TwilioAccountSID string  `envconfig:"TWILIO_ACCOUNT_SID" required:"true"`
	TwilioAuthToken  string  `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	TwilioBaseURL    string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioRPSPerPod  float64 `envconfig:"TWILIO_RPS_PER_POD" default:"5"`
	TwilioBurst      int     `envconfig:"TWILIO_BURST" default:"10"`

	// CallbackURL receives Twilio status callbacks, correlated back to the
	// job via query parameters.
	CallbackURL string `envconfig:"CALLBACK_URL"`
}

type CallbackConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Signature verification. PublicCallbackURL must match the exact base URL
	// registered with Twilio.
	TwilioAuthToken   string `envconfig:"TWILIO_AUTH_TOKEN" required:"true"`
	PublicCallbackURL string `envconfig:"PUBLIC_CALLBACK_URL" required:"true"`
}

func LoadAPI() APIConfig {
	_ = godotenv.Load()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	_ = godotenv.Load()
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadCallback() CallbackConfig {
	_ = godotenv.Load()
	var cfg CallbackConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

package main

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

type Settings struct {
	Port           int    `env:"PORT,default=8000"`
	BasePath       string `env:"BASE_PATH,default=/relay"`
	JWTSecret      string `env:"JWT_SECRET,required=true"`
	APIKeys        string `env:"API_KEYS"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`
	LogEncoding    string `env:"LOG_ENCODING,default=console"`

	AuthTimeout       time.Duration `env:"AUTH_TIMEOUT,default=10s"`
	SendTimeout       time.Duration `env:"SEND_TIMEOUT,default=5s"`
	FanoutConcurrency int           `env:"FANOUT_CONCURRENCY,default=64"`
	MessagesPerSecond float64       `env:"MESSAGES_PER_SECOND,default=20"`
	MessageBurst      int           `env:"MESSAGE_BURST,default=40"`
	ReaperInterval    time.Duration `env:"REAPER_INTERVAL,default=60s"`
	ConnectionTimeout time.Duration `env:"CONNECTION_TIMEOUT,default=300s"`

	MonitorPollInterval    time.Duration `env:"MONITOR_POLL_INTERVAL,default=3s"`
	MonitorMaxPollInterval time.Duration `env:"MONITOR_MAX_POLL_INTERVAL,default=30s"`
	MonitorMaxDuration     time.Duration `env:"MONITOR_MAX_DURATION,default=600s"`
	ProviderBaseURL        string        `env:"PROVIDER_BASE_URL,required=true"`
	ProviderAPIKey         string        `env:"PROVIDER_API_KEY"`
	ProviderTimeout        time.Duration `env:"PROVIDER_TIMEOUT,default=10s"`

	MongoURI         string        `env:"MONGO_URI"`
	MongoDatabase    string        `env:"MONGO_DATABASE,default=relay"`
	OutcomeRetention time.Duration `env:"OUTCOME_RETENTION,default=168h"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
}

func (s Settings) apiKeys() []string {
	return splitList(s.APIKeys)
}

func (s Settings) allowedOrigins() []string {
	return splitList(s.AllowedOrigins)
}

func splitList(value string) []string {
	items := lo.Map(strings.Split(value, ","), func(item string, _ int) string {
		return strings.TrimSpace(item)
	})

	return lo.Compact(items)
}

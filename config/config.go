package config

import (
	"time"

	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/tracing"
)

type AppConfig struct {
	DataDir             string        `env:"MAILTIDE_DATA_DIR" envDefault:"./data"`
	AccountsFile        string        `env:"MAILTIDE_ACCOUNTS_FILE" envDefault:"./data/accounts.json"`
	CacheFile           string        `env:"MAILTIDE_CACHE_FILE" envDefault:"./data/cache.db"`
	HealthCheckInterval time.Duration `env:"MAILTIDE_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	ConnectTimeout      time.Duration `env:"MAILTIDE_CONNECT_TIMEOUT" envDefault:"30s"`
	FetchLimit          int           `env:"MAILTIDE_FETCH_LIMIT" envDefault:"50"`
	SyncSchedule        string        `env:"MAILTIDE_SYNC_SCHEDULE" envDefault:"0 */10 * * * *"`
}

type Config struct {
	AppConfig *AppConfig
	Logger    *logger.Config
	Tracing   *tracing.JaegerConfig
}

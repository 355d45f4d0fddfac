package config

// EnvPrefix is passed to envconfig; individual keys carry the full name so
// the prefix stays empty.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	CartCacheSQLite = "sqlite"
	CartCacheRedis  = "redis"
)

// Environment variable names referenced outside struct tags (tests, docs).
const (
	EnvAppEnv     = "TABLETAP_APP_ENV"
	EnvAPIBaseURL = "TABLETAP_API_BASE_URL"
	EnvRedisURL   = "TABLETAP_REDIS_URL"
	EnvStorage    = "TABLETAP_STORAGE_PATH"
)

package config

type Config interface {
	EnvConfig
	CorsConfig
	ProviderConfig
	SessionConfig
	GatewayConfig
	StoreConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetBaseURL() string
	GetFrontendURL() string
	GetEnv() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	Provider
	SessionCfg
	Gateway
	StoreCfg
}

func New() Config {
	return mainConfig{}
}

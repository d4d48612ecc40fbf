package config

// StoreConfig selects the backing key-value store for sessions, flow
// records and per-user secrets. An empty Redis address means the
// in-process store.
type StoreConfig interface {
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisKeyPrefix() string
}

type StoreCfg struct{}

var _ StoreConfig = StoreCfg{}

func (StoreCfg) GetRedisAddr() string {
	return GetEnv("REDIS_ADDR", "")
}

func (StoreCfg) GetRedisPassword() string {
	return GetEnv("REDIS_PASSWORD", "")
}

func (StoreCfg) GetRedisKeyPrefix() string {
	return GetEnv("REDIS_KEY_PREFIX", "broker:")
}

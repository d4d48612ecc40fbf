package config

import (
	"time"
)

type SessionConfig interface {
	GetSessionSecret() string
	GetSessionIdleTimeout() time.Duration
	GetSessionMaxAge() time.Duration
}

type SessionCfg struct{}

var _ SessionConfig = SessionCfg{}

// GetSessionSecret is the HMAC key session identifiers are signed with.
// Sessions are unguessable without it.
func (SessionCfg) GetSessionSecret() string {
	return GetEnv("SESSION_SECRET", "")
}

func (SessionCfg) GetSessionIdleTimeout() time.Duration {
	return durationEnv("SESSION_IDLE_TIMEOUT", 30*time.Minute)
}

// GetSessionMaxAge is the absolute session lifetime. A session past this
// boundary fails resolution regardless of activity.
func (SessionCfg) GetSessionMaxAge() time.Duration {
	return durationEnv("SESSION_MAX_AGE", 1*time.Hour)
}

func durationEnv(envVar string, defaultValue time.Duration) time.Duration {
	value := GetEnv(envVar, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

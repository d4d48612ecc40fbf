package config

import "time"

// GatewayConfig describes the external tool-authorization gateway that
// brokers third-party OAuth on behalf of users.
type GatewayConfig interface {
	GetGatewayBaseURL() string
	GetGatewayAPIKey() string
	GetGatewayUserHeader() string
	GetFlowPendingTimeout() time.Duration
}

type Gateway struct{}

var _ GatewayConfig = Gateway{}

func (Gateway) GetGatewayBaseURL() string {
	return GetEnv("GATEWAY_BASE_URL", "https://api.arcade.dev/v1")
}

func (Gateway) GetGatewayAPIKey() string {
	return GetEnv("GATEWAY_API_KEY", "")
}

// GetGatewayUserHeader names the header the gateway partitions OAuth
// tokens by. Every outbound tool call must carry it.
func (Gateway) GetGatewayUserHeader() string {
	return GetEnv("GATEWAY_USER_HEADER", "Arcade-User-Id")
}

// GetFlowPendingTimeout bounds how long an unconfirmed authorization flow
// stays pending before a late callback is refused.
func (Gateway) GetFlowPendingTimeout() time.Duration {
	return durationEnv("FLOW_PENDING_TIMEOUT", 10*time.Minute)
}

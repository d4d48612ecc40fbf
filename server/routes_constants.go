package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Auth Routes - Login & Logout
	RouteAuthLogin    = "/auth/login"
	RouteAuthCallback = "/auth/callback"
	RouteAuthStatus   = "/auth/status"
	RouteAuthLogout   = "/auth/logout"
	RouteAuthTokens   = "/auth/tokens"

	// Gateway OAuth confirmation
	RouteOAuthVerify = "/oauth/verify"

	// Thread API Routes
	RouteThreads     = "/threads"
	RouteThreadByID  = "/threads/{id}"
	RouteThreadShare = "/threads/{id}/share"

	// Tool API Routes
	RouteTools     = "/tools"
	RouteToolsCall = "/tools/call"
)

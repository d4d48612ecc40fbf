package server

func (s *Server) initRoutes() {
	s.RegisterRouteFunc("GET /", s.IndexHandler())

	// LOGIN
	s.RegisterRouteFunc("GET "+RouteAuthLogin, s.LoginHandler())
	s.RegisterRouteFunc("GET "+RouteAuthCallback, s.AuthCallbackHandler())
	s.RegisterRouteFunc("POST "+RouteAuthCallback, s.AuthCallbackHandler()) // For form_post response mode
	s.RegisterRouteFunc("GET "+RouteAuthLogout, s.LogoutHandler())

	// Session API routes
	s.RegisterRouteHandler("GET "+RouteAuthStatus, ChainMiddleware(s.AuthStatusHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteAuthTokens, ChainMiddleware(s.AuthTokensHandler(), s.APIMiddleware(s.RequireSession())...))

	// Gateway confirmation callback (session is resolved inside the handler so the
	// browser redirect gets a page rather than a bare 401 from middleware)
	s.RegisterRouteFunc("GET "+RouteOAuthVerify, s.VerifyHandler())

	// Thread API routes (session cookie or provider bearer token)
	s.RegisterRouteHandler("POST "+RouteThreads, ChainMiddleware(s.CreateThreadHandler(), s.APIMiddleware(s.RequireUser())...))
	s.RegisterRouteHandler("GET "+RouteThreads, ChainMiddleware(s.ListThreadsHandler(), s.APIMiddleware(s.RequireUser())...))
	s.RegisterRouteHandler("GET "+RouteThreadByID, ChainMiddleware(s.GetThreadHandler(), s.APIMiddleware(s.RequireUser())...))
	s.RegisterRouteHandler("POST "+RouteThreadShare, ChainMiddleware(s.ShareThreadHandler(), s.APIMiddleware(s.RequireUser())...))

	// Tool API routes
	s.RegisterRouteHandler("GET "+RouteTools, ChainMiddleware(s.ListToolsHandler(), s.APIMiddleware(s.RequireUser())...))
	s.RegisterRouteHandler("POST "+RouteToolsCall, ChainMiddleware(s.CallToolHandler(), s.APIMiddleware(s.RequireUser())...))
}

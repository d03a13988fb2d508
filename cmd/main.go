package main

import (
	"net/http"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/CzarSimon/httputil/logger"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("session-manager/main")

func main() {
	e := setupEnv()
	defer e.close()

	server := newServer(e)
	log.Info("Started session-manager listening on port: " + e.cfg.port)

	err := server.ListenAndServe()
	if err != nil {
		log.Error("Unexpected error stoped server.", zap.Error(err))
	}
}

func newServer(e *env) *http.Server {
	r := httputil.NewRouter("session-manager", e.checkHealth)

	rbac := httputil.RBAC{
		Verifier: jwt.NewVerifier(e.cfg.jwtCredentials, time.Minute),
	}
	sessions := r.Group("/v1/sessions", rbac.Secure(sessionRoles...), withRequester)
	sessions.POST("", e.createSession)
	sessions.GET("/:sessionId", e.getSession)
	sessions.POST("/:sessionId/join", e.joinSession)
	sessions.POST("/:sessionId/leave", e.leaveSession)
	sessions.POST("/:sessionId/end", e.endSession)

	// Authenticated by the hub from the token query parameter.
	r.GET("/v1/sessions/:sessionId/signal", e.signal)

	return &http.Server{
		Addr:    ":" + e.cfg.port,
		Handler: r,
	}
}

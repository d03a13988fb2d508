package main

import (
	"database/sql"
	"io"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/client"
	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/opentracing/opentracing-go"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	"github.com/rtcheap/session-manager/internal/appointment"
	"github.com/rtcheap/session-manager/internal/relay"
	"github.com/rtcheap/session-manager/internal/repository"
	"github.com/rtcheap/session-manager/internal/service"
	"github.com/rtcheap/session-manager/internal/signaling"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

const userAgent = "session-manager"

type env struct {
	cfg            config
	db             *sql.DB
	sessionService *service.SessionService
	hub            *signaling.Hub
	traceCloser    io.Closer
}

func (e *env) checkHealth() error {
	err := dbutil.Connected(e.db)
	if err != nil {
		return httputil.ServiceUnavailableError(err)
	}

	return nil
}

func (e *env) close() {
	e.hub.Close()

	err := e.db.Close()
	if err != nil {
		log.Error("failed to close database connection", zap.Error(err))
	}

	if e.traceCloser == nil {
		return
	}

	err = e.traceCloser.Close()
	if err != nil {
		log.Error("failed to close tracer connection", zap.Error(err))
	}
}

func setupEnv() *env {
	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.Fatal("failed to create jaeger configuration", zap.Error(err))
	}

	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		log.Fatal("failed to create tracer", zap.Error(err))
	}

	opentracing.SetGlobalTracer(tracer)

	cfg := getConfig()
	db := dbutil.MustConnect(cfg.db)
	err = dbutil.Upgrade(cfg.migrationsPath, cfg.db.Driver(), db)
	if err != nil {
		log.Fatal("failed to apply database migrations", zap.Error(err))
	}

	policy, err := service.NewAccessPolicy(cfg.session.accessPolicy)
	if err != nil {
		log.Fatal("failed to configure staff access policy", zap.Error(err))
	}

	issuer := jwt.NewIssuer(cfg.jwtCredentials)
	tokens := &relay.TokenService{
		TurnRPCProtocol: cfg.turn.rpcProtocol,
		RelayPort:       cfg.turn.udpPort,
		TokenTTL:        cfg.session.mediaTokenTTL,
		Issuer:          issuer,
		RegistryClient:  serviceregistry.NewClient(newRPCClient(cfg, issuer, cfg.serviceRegistry.url)),
		TurnClient:      turnserver.NewClient(newRPCClient(cfg, issuer, "")),
	}

	sessionService := &service.SessionService{
		SessionRepo:  repository.NewSessionRepository(db),
		Appointments: appointment.NewClient(cfg.appointments.url, issuer, rpc.NewClient(cfg.upstreamTimeout)),
		Tokens:       tokens,
		Policy:       policy,
		Timeout:      cfg.session.timeout,
	}

	return &env{
		cfg:            cfg,
		db:             db,
		sessionService: sessionService,
		hub:            newHub(cfg, sessionService),
		traceCloser:    closer,
	}
}

func newHub(cfg config, sessionService *service.SessionService) *signaling.Hub {
	auth := tokenAuthenticator{verifier: jwt.NewVerifier(cfg.jwtCredentials, time.Minute)}
	return signaling.NewHub(sessionService, auth, signaling.Options{
		IdleTimeout:   cfg.signal.idleTimeout,
		SweepInterval: cfg.signal.sweepInterval,
		PingPeriod:    cfg.signal.pingPeriod,
	})
}

func newRPCClient(cfg config, issuer jwt.Issuer, baseURL string) client.Client {
	return client.Client{
		RPCClient: rpc.NewClient(cfg.upstreamTimeout),
		Issuer:    issuer,
		BaseURL:   baseURL,
		Role:      jwt.SystemRole,
		UserAgent: userAgent,
	}
}

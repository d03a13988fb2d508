package main

import (
	"strconv"
	"time"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/environ"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/rtcheap/session-manager/internal/service"
	"go.uber.org/zap"
)

type config struct {
	db              dbutil.Config
	port            string
	migrationsPath  string
	jwtCredentials  jwt.Credentials
	upstreamTimeout time.Duration
	appointments    appointmentConfig
	serviceRegistry serviceRegistryConfig
	turn            turnConfig
	session         sessionConfig
	signal          signalConfig
}

type appointmentConfig struct {
	url string
}

type serviceRegistryConfig struct {
	url string
}

type turnConfig struct {
	udpPort     int
	rpcProtocol string
}

type sessionConfig struct {
	accessPolicy  string
	timeout       time.Duration
	mediaTokenTTL time.Duration
}

type signalConfig struct {
	idleTimeout   time.Duration
	sweepInterval time.Duration
	pingPeriod    time.Duration
}

func getConfig() config {
	return config{
		db: dbutil.MysqlConfig{
			Host:             environ.MustGet("DB_HOST"),
			Port:             environ.MustGet("DB_PORT"),
			Database:         environ.MustGet("DB_DATABASE"),
			User:             environ.MustGet("DB_USERNAME"),
			Password:         environ.MustGet("DB_PASSWORD"),
			ConnectionParams: "parseTime=true",
		},
		port:            environ.Get("SERVICE_PORT", "8080"),
		migrationsPath:  environ.Get("MIGRATIONS_PATH", "/etc/session-manager/migrations"),
		jwtCredentials:  getJwtCredentials(),
		upstreamTimeout: getDuration("UPSTREAM_TIMEOUT", "5s"),
		appointments:    getAppointmentConfig(),
		serviceRegistry: getServiceRegistryConfig(),
		turn:            getTurnConfig(),
		session:         getSessionConfig(),
		signal:          getSignalConfig(),
	}
}

func getAppointmentConfig() appointmentConfig {
	return appointmentConfig{
		url: environ.Get("APPOINTMENT_SERVICE_URL", "http://appointment-service:8080"),
	}
}

func getServiceRegistryConfig() serviceRegistryConfig {
	return serviceRegistryConfig{
		url: environ.Get("SERVICEREGISTRY_URL", "http://service-registry:8080"),
	}
}

func getTurnConfig() turnConfig {
	udpPort, err := strconv.Atoi(environ.Get("TURN_UDP_PORT", "3478"))
	if err != nil {
		log.Fatal("failed to parse turn udp port", zap.Error(err))
	}

	return turnConfig{
		udpPort:     udpPort,
		rpcProtocol: environ.Get("TURN_RPC_PROTOCOL", "http"),
	}
}

func getSessionConfig() sessionConfig {
	return sessionConfig{
		accessPolicy:  environ.Get("STAFF_ACCESS_POLICY", service.PolicyAssigned),
		timeout:       getDuration("SESSION_OPERATION_TIMEOUT", "10s"),
		mediaTokenTTL: getDuration("MEDIA_TOKEN_TTL", "2h"),
	}
}

func getSignalConfig() signalConfig {
	return signalConfig{
		idleTimeout:   getDuration("SIGNAL_IDLE_TIMEOUT", "30m"),
		sweepInterval: getDuration("SIGNAL_SWEEP_INTERVAL", "1m"),
		pingPeriod:    getDuration("SIGNAL_PING_PERIOD", "54s"),
	}
}

func getJwtCredentials() jwt.Credentials {
	return jwt.Credentials{
		Issuer: environ.MustGet("JWT_ISSUER"),
		Secret: environ.MustGet("JWT_SECRET"),
	}
}

func getDuration(key, defaultValue string) time.Duration {
	d, err := time.ParseDuration(environ.Get(key, defaultValue))
	if err != nil {
		log.Fatal("failed to parse "+key, zap.Error(err))
	}

	return d
}

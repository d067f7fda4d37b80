package main

import (
	wsserver "chat-relay/infrastructure/ws/server"
	"chat-relay/repositories"
	"fmt"
	"time"
)

const (
	driverBadger = "badger"
	driverSQLite = "sqlite"
)

type Config struct {
	Host                 string        `env:"HOST,default=0.0.0.0"`
	Port                 int           `env:"PORT,default=8080"`
	HealthPort           int           `env:"HEALTH_PORT,default=9090"`
	LogLevel             string        `env:"LOG_LEVEL,default=INFO"`
	StoreDriver          string        `env:"STORE_DRIVER,default=badger"`
	BadgerFilepath       string        `env:"BADGER_FILEPATH,default=./data/badger"`
	SQLiteDSN            string        `env:"SQLITE_DSN,default=chat-relay.db"`
	LimitMessages        *int          `env:"LIMIT_MESSAGES"`
	JWTSecret            string        `env:"JWT_SECRET,required=true"`
	AuthTokenDuration    time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`
	MaxContentLength     int           `env:"MAX_CONTENT_LENGTH,default=2000"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT,default=10s"`
	ReadReceiptTimeout   time.Duration `env:"READ_RECEIPT_TIMEOUT,default=5s"`
	RateLimit            float64       `env:"RATE_LIMIT,default=20"`
	RateBurst            int           `env:"RATE_BURST,default=40"`
	RestartInterval      time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	BreakerFailures      int           `env:"BREAKER_FAILURES,default=5"`
	BreakerReset         time.Duration `env:"BREAKER_RESET,default=10s"`
	DebugInspectPort     int           `env:"DEBUG_INSPECT_PORT,default=8081"`
}

func (c Config) Validate() error {
	if c.StoreDriver != driverBadger && c.StoreDriver != driverSQLite {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", driverBadger, driverSQLite, c.StoreDriver)
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("MAX_CONTENT_LENGTH must be positive, got %d", c.MaxContentLength)
	}
	if c.BreakerFailures <= 0 {
		return fmt.Errorf("BREAKER_FAILURES must be positive, got %d", c.BreakerFailures)
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Config) HealthAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HealthPort)
}

func (c Config) Breaker() repositories.BreakerSettings {
	return repositories.BreakerSettings{FailureThreshold: uint32(c.BreakerFailures), ResetTimeout: c.BreakerReset}
}

func (c Config) Websocket() wsserver.Config {
	return wsserver.Config{
		BufferSize:   c.ConnectionBufferSize,
		WriteTimeout: c.WriteTimeout,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
	}
}

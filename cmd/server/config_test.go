package main

import (
	"testing"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults_From_Environment(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "0123456789abcdef")
	t.Setenv("STORE_DRIVER", "sqlite")

	var config Config
	_, err := env.UnmarshalFromEnviron(&config)

	req.NoError(err)
	req.NoError(config.Validate())
	req.Equal("0.0.0.0:8080", config.Address())
	req.Equal("0.0.0.0:9090", config.HealthAddress())
	req.Equal(uint32(5), config.Breaker().FailureThreshold)
	req.Equal(256, config.Websocket().BufferSize)
	req.Nil(config.LimitMessages)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{StoreDriver: driverBadger, JWTSecret: "0123456789abcdef", MaxContentLength: 2000, BreakerFailures: 5}

	testCases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "unknown driver", mutate: func(c *Config) { c.StoreDriver = "postgres" }},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }},
		{name: "no content length", mutate: func(c *Config) { c.MaxContentLength = 0 }},
		{name: "no breaker threshold", mutate: func(c *Config) { c.BreakerFailures = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			config := valid
			tc.mutate(&config)

			err := config.Validate()

			if tc.ok {
				req.NoError(err)
			} else {
				req.Error(err)
			}
		})
	}
}

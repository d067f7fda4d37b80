package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// RELAY_URL is the http base of a running relay, the suites skip when unset
	RelayURL string `envconfig:"RELAY_URL"`
	// RELAY_HEALTH_ADDR is the gRPC health endpoint of the same relay
	HealthAddr string `envconfig:"RELAY_HEALTH_ADDR"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}

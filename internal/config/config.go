package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port            string        `env:"PORT"              envDefault:"3000"`
	DBPath          string        `env:"DB_PATH"           envDefault:"./data/concord.db"`
	JWTSecret       string        `env:"JWT_SECRET,required"`
	Domain          string        `env:"DOMAIN"            envDefault:"localhost"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL"  envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	RateLimitRPS    float64       `env:"RATE_LIMIT_RPS"    envDefault:"5"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST"  envDefault:"10"`
	SeedDemo        bool          `env:"SEED_DEMO"         envDefault:"false"`
}

// Load reads CONCORD_* environment variables.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: "CONCORD_"})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

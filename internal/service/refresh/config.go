package refresh

import (
	"fmt"
	"time"
)

const (
	DefaultMaxTokensPerUser = 5
	DefaultLifetime         = 7 * 24 * time.Hour
	DefaultRetention        = 30 * 24 * time.Hour
)

// Refresh token lifecycle settings
// Zero values are replaced with defaults
type Config struct {
	// Max active refresh tokens (sessions) per user
	MaxTokensPerUser int

	// Refresh token lifetime since creation
	Lifetime time.Duration

	// How long revoked tokens are kept after they expire
	Retention time.Duration
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxTokensPerUser == 0 {
		c.MaxTokensPerUser = DefaultMaxTokensPerUser
	}
	if c.Lifetime == 0 {
		c.Lifetime = DefaultLifetime
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}

	switch {
	case c.MaxTokensPerUser < 1:
		return c, fmt.Errorf("max tokens per user must be positive, got %d", c.MaxTokensPerUser)
	case c.Lifetime < 0:
		return c, fmt.Errorf("refresh token lifetime must be positive, got %s", c.Lifetime)
	case c.Retention < 0:
		return c, fmt.Errorf("cleanup retention must be positive, got %s", c.Retention)
	}

	return c, nil
}

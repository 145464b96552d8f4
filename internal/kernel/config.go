package kernel

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultUsername = "codepod"

// Config is the client identity and dial behavior for one Link.
type Config struct {
	Username string
	// Session is the client session uuid stamped on every request header.
	Session     string
	DialTimeout time.Duration
	DialRetry   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Username:    defaultUsername,
		Session:     uuid.NewString(),
		DialTimeout: 5 * time.Second,
		DialRetry:   250 * time.Millisecond,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Username) == "" {
		c.Username = def.Username
	}
	if strings.TrimSpace(c.Session) == "" {
		c.Session = def.Session
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.DialRetry <= 0 {
		c.DialRetry = def.DialRetry
	}
	return c
}

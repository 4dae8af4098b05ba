package jsnode

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Security levels.
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// Config applies to every JS node created by one Creator.
type Config struct {
	// Timeout bounds one RUN.
	Timeout time.Duration
	// MaxStackDepth bounds the JavaScript call stack.
	MaxStackDepth int
	// SecurityLevel selects the sandbox restrictions.
	SecurityLevel string
	// Logger receives console output from scripts.
	Logger *zap.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       50 * time.Millisecond,
		MaxStackDepth: 100,
		SecurityLevel: SecurityLevelStandard,
		Logger:        zap.NewNop(),
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxStackDepth == 0 {
		c.MaxStackDepth = d.MaxStackDepth
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = d.SecurityLevel
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Validate checks the configuration after applying defaults.
func (c *Config) Validate() error {
	c.ApplyDefaults()
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.MaxStackDepth < 0 {
		return fmt.Errorf("max stack depth must be positive, got %d", c.MaxStackDepth)
	}
	switch c.SecurityLevel {
	case SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive:
	default:
		return fmt.Errorf("invalid security level: %s", c.SecurityLevel)
	}
	return nil
}

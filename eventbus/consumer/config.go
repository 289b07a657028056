package consumer

import "time"

const (
	defaultMaxRetries      = 5
	defaultRedeliveryDelay = 5 * time.Second
	defaultHandlerTimeout  = 30 * time.Second
)

// Config controls dispatcher retry and timeout behavior.
type Config struct {
	// MaxRetries is how many deliveries a failing event gets before it is
	// dead-lettered. The handler runs at most MaxRetries times.
	MaxRetries int
	// RedeliveryDelay is the nack delay requested after a handler failure.
	RedeliveryDelay time.Duration
	// HandlerTimeout bounds one handler invocation. An invocation that
	// outlives it counts as a failure even if the handler returns nil.
	HandlerTimeout time.Duration
}

// DefaultConfig returns the baseline dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      defaultMaxRetries,
		RedeliveryDelay: defaultRedeliveryDelay,
		HandlerTimeout:  defaultHandlerTimeout,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.RedeliveryDelay <= 0 {
		cfg.RedeliveryDelay = defaults.RedeliveryDelay
	}

	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaults.HandlerTimeout
	}
}

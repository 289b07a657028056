package publisher

import "time"

const (
	defaultPollInterval       = 2 * time.Second
	defaultBatchSize          = 50
	defaultMaxPublishAttempts = 3
	defaultPublishBackoffBase = 200 * time.Millisecond
	defaultPublishBackoffCap  = 5 * time.Second
	defaultSendTimeout        = 5 * time.Second
)

// Config controls publisher polling and retry behavior.
type Config struct {
	// PollInterval is the periodic interval between publish cycles.
	PollInterval time.Duration
	// BatchSize is the max number of entries claimed per cycle.
	BatchSize int
	// MaxPublishAttempts bounds in-cycle send attempts for one entry.
	// Exhausting it leaves the entry FAILED for a later cycle.
	MaxPublishAttempts int
	// PublishBackoffBase is the base delay between in-cycle send retries.
	PublishBackoffBase time.Duration
	// PublishBackoffCap caps the in-cycle retry delay.
	PublishBackoffCap time.Duration
	// SendTimeout bounds each individual broker send.
	SendTimeout time.Duration
}

// DefaultConfig returns the baseline publisher configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:       defaultPollInterval,
		BatchSize:          defaultBatchSize,
		MaxPublishAttempts: defaultMaxPublishAttempts,
		PublishBackoffBase: defaultPublishBackoffBase,
		PublishBackoffCap:  defaultPublishBackoffCap,
		SendTimeout:        defaultSendTimeout,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxPublishAttempts <= 0 {
		cfg.MaxPublishAttempts = defaults.MaxPublishAttempts
	}

	if cfg.PublishBackoffBase <= 0 {
		cfg.PublishBackoffBase = defaults.PublishBackoffBase
	}

	if cfg.PublishBackoffCap <= 0 {
		cfg.PublishBackoffCap = defaults.PublishBackoffCap
	}

	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaults.SendTimeout
	}
}

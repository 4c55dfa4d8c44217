package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Proxy pairing defaults.
const (
	// DefaultVouchSignatureMaxAge bounds vouch payload freshness at the target.
	DefaultVouchSignatureMaxAge = 600 * time.Second

	// DefaultVouchResponseTimeout caps per-target confirmation and in-flight
	// Waiting delivery.
	DefaultVouchResponseTimeout = 300 * time.Second

	// DefaultVouchQueueRetryLimit is the per-entry retry budget.
	DefaultVouchQueueRetryLimit uint32 = 5

	// DefaultVouchQueueEntryTTL is how long a queued vouch stays deliverable.
	DefaultVouchQueueEntryTTL = 7 * 24 * time.Hour
)

// Machine timing defaults.
const (
	// DefaultStateMachineTick drives autonomous session transitions.
	DefaultStateMachineTick = 200 * time.Millisecond

	// DefaultCleanupTick ages out expired pairing sessions.
	DefaultCleanupTick = 60 * time.Second

	// DefaultQueueDrainTick drives vouch queue delivery.
	DefaultQueueDrainTick = 10 * time.Second

	// DefaultSessionTimeout removes pairing sessions regardless of state.
	DefaultSessionTimeout = 10 * time.Minute

	// DefaultScanningTimeout fails joiner sessions stuck in Scanning.
	DefaultScanningTimeout = 5 * time.Minute

	// DefaultPairingCodeTTL is the validity window of a pairing code.
	DefaultPairingCodeTTL = 5 * time.Minute

	// DefaultCompletedSessionRetention keeps completed vouching sessions
	// queryable for UI display before in-memory cleanup.
	DefaultCompletedSessionRetention = time.Hour
)

// Config errors.
var ErrInvalidConfig = errors.New("invalid proxy pairing configuration")

// ProxyPairingConfig controls proxy pairing behavior. The zero value is NOT
// usable; call Default() or Load().
type ProxyPairingConfig struct {
	// AutoAcceptVouched skips user confirmation when the voucher is a
	// trusted, directly-paired device.
	AutoAcceptVouched bool `yaml:"auto_accept_vouched"`

	// AutoVouchToAll vouches every freshly paired device to all other
	// paired devices automatically.
	AutoVouchToAll bool `yaml:"auto_vouch_to_all"`

	// VouchSignatureMaxAge is the maximum accepted vouch payload age in
	// seconds at the target.
	VouchSignatureMaxAge uint32 `yaml:"vouch_signature_max_age"`

	// VouchResponseTimeout caps per-target confirmation and Waiting
	// delivery, in seconds.
	VouchResponseTimeout uint32 `yaml:"vouch_response_timeout"`

	// VouchQueueRetryLimit is the per-entry retry budget.
	VouchQueueRetryLimit uint32 `yaml:"vouch_queue_retry_limit"`
}

// Default returns the configuration with spec defaults.
func Default() ProxyPairingConfig {
	return ProxyPairingConfig{
		AutoAcceptVouched:    true,
		AutoVouchToAll:       false,
		VouchSignatureMaxAge: uint32(DefaultVouchSignatureMaxAge / time.Second),
		VouchResponseTimeout: uint32(DefaultVouchResponseTimeout / time.Second),
		VouchQueueRetryLimit: DefaultVouchQueueRetryLimit,
	}
}

// Validate checks the configuration for usable values.
func (c ProxyPairingConfig) Validate() error {
	if c.VouchSignatureMaxAge == 0 {
		return fmt.Errorf("%w: vouch_signature_max_age must be positive", ErrInvalidConfig)
	}
	if c.VouchResponseTimeout == 0 {
		return fmt.Errorf("%w: vouch_response_timeout must be positive", ErrInvalidConfig)
	}
	if c.VouchQueueRetryLimit == 0 {
		return fmt.Errorf("%w: vouch_queue_retry_limit must be positive", ErrInvalidConfig)
	}
	return nil
}

// SignatureMaxAge returns the signature freshness bound as a duration.
func (c ProxyPairingConfig) SignatureMaxAge() time.Duration {
	return time.Duration(c.VouchSignatureMaxAge) * time.Second
}

// ResponseTimeout returns the response timeout as a duration.
func (c ProxyPairingConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.VouchResponseTimeout) * time.Second
}

// Load reads a ProxyPairingConfig from a YAML file. Fields absent from the
// file keep their defaults.
func Load(path string) (ProxyPairingConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

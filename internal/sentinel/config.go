package sentinel

import "time"

// Config tunes the lockdown core. A Config is read when a session starts;
// changing it affects only sessions started afterwards.
type Config struct {
	// PollInterval is the pinning monitor tick period.
	// Default: 1s
	PollInterval time.Duration

	// MaxRecoveryAttempts is how many consecutive failed re-pin attempts
	// trigger a repeated-failure violation before the counter resets.
	// Default: 5
	MaxRecoveryAttempts int

	// RefocusDelay is how long the lifecycle guard waits after the exam
	// surface is stopped or loses focus before bringing it back to front.
	// Default: 300ms
	RefocusDelay time.Duration

	// RapidStopWindow escalates a stop to CRITICAL when it follows a pause
	// within this window.
	// Default: 750ms
	RapidStopWindow time.Duration

	// StopTimeout bounds how long EndSession waits for session tasks.
	// Default: 2s
	StopTimeout time.Duration

	// Display measures applied while a session is active.
	KeepScreenOn    bool
	LockOrientation bool
	Immersive       bool
}

// DefaultConfig returns the reference timings.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:        time.Second,
		MaxRecoveryAttempts: 5,
		RefocusDelay:        300 * time.Millisecond,
		RapidStopWindow:     750 * time.Millisecond,
		StopTimeout:         2 * time.Second,
		KeepScreenOn:        true,
		LockOrientation:     true,
		Immersive:           true,
	}
}

// Clone returns a copy of the config.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return ErrInvalidConfig{"poll interval must be positive"}
	}
	if c.MaxRecoveryAttempts < 1 {
		return ErrInvalidConfig{"max recovery attempts must be at least 1"}
	}
	if c.RefocusDelay < 0 {
		return ErrInvalidConfig{"refocus delay cannot be negative"}
	}
	if c.RapidStopWindow < 0 {
		return ErrInvalidConfig{"rapid stop window cannot be negative"}
	}
	if c.StopTimeout <= 0 {
		return ErrInvalidConfig{"stop timeout must be positive"}
	}
	return nil
}

// ErrInvalidConfig represents a configuration error.
type ErrInvalidConfig struct {
	Message string
}

func (e ErrInvalidConfig) Error() string {
	return "sentinel: invalid config: " + e.Message
}

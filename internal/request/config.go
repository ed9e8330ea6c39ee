// Package request implements the REQ protocol of spec §4.4: a coalescing
// multicast sender, a duplicate-tolerant receiver, and the windowing modes a
// CommandableFragmentGenerator uses to decide what to emit per request.
package request

import "time"

// Mode selects how a generator responds to incoming requests.
type Mode int

const (
	// Ignored: requests are tracked but never gate emission.
	Ignored Mode = iota
	// Single: emit exactly one fragment per request, or an Empty fragment
	// if none matches.
	Single
	// Buffer: emit every buffered fragment as one Container.
	Buffer
	// Window: emit a Container of every fragment whose timestamp falls in
	// [ts+Offset, ts+Offset+Width).
	Window
)

// Config describes one REQ endpoint: sender coalescing, receiver quiet
// timeout, and the windowing policy applied to incoming requests.
type Config struct {
	Rank           int32  `yaml:"rank"`
	MulticastGroup string `yaml:"multicast_group"`
	Port           int    `yaml:"port"`
	Interface      string `yaml:"interface"`

	// RequestDelayMs bounds how long the sender coalesces additions
	// before emitting a batch.
	RequestDelayMs int `yaml:"request_delay_ms"`

	// EndOfRunQuietTimeoutMs bounds how long the receiver waits for
	// further traffic once an EndOfRun message has armed its quiet timer.
	EndOfRunQuietTimeoutMs int `yaml:"end_of_run_quiet_timeout_ms"`

	Mode Mode `yaml:"mode"`

	// WindowOffsetUs/WindowWidthUs parameterize Window mode.
	WindowOffsetUs int64 `yaml:"window_offset_us"`
	WindowWidthUs  int64 `yaml:"window_width_us"`

	// WindowCloseTimeoutUs bounds how long Window mode waits for the
	// buffer to grow past a window's end before giving up with
	// missing_data=true.
	WindowCloseTimeoutUs int64 `yaml:"window_close_timeout_us"`

	// MissingRequestWindowTimeoutUs bounds how long an out-of-order
	// request may sit in the reconciliation queue before being released
	// with missing_data=true.
	MissingRequestWindowTimeoutUs int64 `yaml:"missing_request_window_timeout_us"`

	// CircularBufferMode, when true, makes Buffer mode drop the oldest
	// fragment once DataBufferDepthFragments is exceeded.
	CircularBufferMode       bool `yaml:"circular_buffer_mode"`
	DataBufferDepthFragments int  `yaml:"data_buffer_depth_fragments"`
}

// RequestDelay returns RequestDelayMs as a time.Duration.
func (c Config) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelayMs) * time.Millisecond
}

// EndOfRunQuietTimeout returns EndOfRunQuietTimeoutMs as a time.Duration.
func (c Config) EndOfRunQuietTimeout() time.Duration {
	return time.Duration(c.EndOfRunQuietTimeoutMs) * time.Millisecond
}

// WindowOffset returns WindowOffsetUs as a time.Duration.
func (c Config) WindowOffset() time.Duration {
	return time.Duration(c.WindowOffsetUs) * time.Microsecond
}

// WindowWidth returns WindowWidthUs as a time.Duration.
func (c Config) WindowWidth() time.Duration {
	return time.Duration(c.WindowWidthUs) * time.Microsecond
}

// WindowCloseTimeout returns WindowCloseTimeoutUs as a time.Duration.
func (c Config) WindowCloseTimeout() time.Duration {
	return time.Duration(c.WindowCloseTimeoutUs) * time.Microsecond
}

// MissingRequestWindowTimeout returns MissingRequestWindowTimeoutUs as a
// time.Duration.
func (c Config) MissingRequestWindowTimeout() time.Duration {
	return time.Duration(c.MissingRequestWindowTimeoutUs) * time.Microsecond
}

// DefaultConfig returns sane defaults for a single reader instance.
func DefaultConfig() Config {
	return Config{
		MulticastGroup:                "239.1.1.2",
		Port:                          3001,
		RequestDelayMs:                50,
		EndOfRunQuietTimeoutMs:        5000,
		Mode:                          Window,
		WindowOffsetUs:                0,
		WindowWidthUs:                 1000,
		WindowCloseTimeoutUs:          500000,
		MissingRequestWindowTimeoutUs: 1000000,
		CircularBufferMode:            false,
		DataBufferDepthFragments:      100,
	}
}

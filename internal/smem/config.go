package smem

import "github.com/c2h5oh/datasize"

// Config describes the shape of an SMEM instance: buffer geometry,
// completeness expectations, and the timeouts governing stale reaping and
// broadcast waits.
type Config struct {
	// BufferCount is the number of fixed-size buffers in the data ring.
	BufferCount int `yaml:"buffer_count"`
	// BufferSize is the size of each data-ring buffer.
	BufferSize datasize.ByteSize `yaml:"buffer_size"`
	// BroadcastBufferCount is the number of buffers in the broadcast ring.
	BroadcastBufferCount int `yaml:"broadcast_buffer_count"`
	// BroadcastBufferSize is the size of each broadcast-ring buffer.
	BroadcastBufferSize datasize.ByteSize `yaml:"broadcast_buffer_size"`
	// ExpectedFragmentsPerEvent is the distinct fragment_id count that
	// marks an event complete.
	ExpectedFragmentsPerEvent int `yaml:"expected_fragments_per_event"`
	// StaleTimeoutMs is the Active-buffer reaping deadline, reset on every
	// operation on the buffer.
	StaleTimeoutMs int `yaml:"stale_timeout_ms"`
	// BroadcastTimeoutMs bounds how long a broadcast write waits for an
	// Empty buffer.
	BroadcastTimeoutMs int `yaml:"broadcast_timeout_ms"`
	// OverwriteMode permits Full->Writing and Reading->Writing transitions
	// (non-reliable mode).
	OverwriteMode bool `yaml:"overwrite_mode"`
	// MaximumOversizeFragmentCount is the fatal threshold for dropped
	// oversized fragments.
	MaximumOversizeFragmentCount int `yaml:"maximum_oversize_fragment_count"`
	// ExpectedArtEventProcessingTimeUs bounds the end_of_data drain wait,
	// multiplied by BufferCount.
	ExpectedArtEventProcessingTimeUs int `yaml:"expected_art_event_processing_time_us"`
}

// DefaultConfig returns sane defaults for a single builder instance.
func DefaultConfig() Config {
	return Config{
		BufferCount:                      10,
		BufferSize:                       1 * datasize.MB,
		BroadcastBufferCount:             4,
		BroadcastBufferSize:              64 * datasize.KB,
		ExpectedFragmentsPerEvent:        1,
		StaleTimeoutMs:                   5000,
		BroadcastTimeoutMs:               1000,
		OverwriteMode:                    false,
		MaximumOversizeFragmentCount:     16,
		ExpectedArtEventProcessingTimeUs: 100000,
	}
}

package gallery

import "fmt"

// DefaultAttachmentLimit is the largest file size, exclusive, sent as an attachment.
const DefaultAttachmentLimit int64 = 8 * 1024 * 1024

// Config configures gallery command behavior.
type Config struct {
	// AttachmentLimitBytes is the exclusive upper bound for attachment replies.
	// Larger images are answered with their URL.
	AttachmentLimitBytes int64
	// ErrorReply enables a short chat reply when an image cannot be served.
	ErrorReply bool
	// Workers is the number of concurrent command handlers. Zero inherits the
	// kernel default.
	Workers int
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		AttachmentLimitBytes: DefaultAttachmentLimit,
		ErrorReply:           true,
	}
}

// Validate checks configuration bounds.
func (c Config) Validate() error {
	if c.AttachmentLimitBytes <= 0 {
		return fmt.Errorf("attachment limit must be > 0, got %d", c.AttachmentLimitBytes)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}

	return nil
}

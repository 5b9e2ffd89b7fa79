package git

import (
	"io"
	"log/slog"
)

// Option configures a GoGitClient.
type Option func(*GoGitClient)

// WithLogger returns an option that sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *GoGitClient) {
		c.logger = logger
	}
}

// WithProgress returns an option that sets the clone and fetch progress output.
func WithProgress(progress io.Writer) Option {
	return func(c *GoGitClient) {
		c.progress = progress
	}
}

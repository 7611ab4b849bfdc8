// Package history records versions of tracked entities and answers
// queries over them.
package history

import (
	"fmt"

	"github.com/rpattn/versionlog/internal/changes"
	"github.com/rpattn/versionlog/internal/identity"
)

// Config is shared by the Writer, Tracker and Engine of one dataset.
type Config struct {
	Identity identity.Config
	Changes  changes.Options
	// StrictOptions rejects unknown query option keys instead of ignoring them.
	StrictOptions bool
}

// DefaultConfig returns native identifiers, new-value encoding and lenient options.
func DefaultConfig() Config {
	return Config{
		Identity: identity.DefaultConfig(),
		Changes:  changes.DefaultOptions(),
	}
}

// Validate checks every nested configuration.
func (c Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("invalid identity config: %w", err)
	}
	if err := c.Changes.Validate(); err != nil {
		return fmt.Errorf("invalid change options: %w", err)
	}
	return nil
}

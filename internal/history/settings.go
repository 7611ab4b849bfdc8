package history

import (
	"context"
	"fmt"

	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/identity"
	"github.com/rpattn/versionlog/internal/repository"
)

// IDModeSetting is the settings key the identifier mode is stored under.
const IDModeSetting = "id_mode"

// EnsureIDMode records the identifier mode on first use and fails with a
// ConfigurationMismatch error when the dataset was written under another mode.
func EnsureIDMode(ctx context.Context, store repository.SettingsStore, cfg identity.Config) error {
	const op = "ensure identifier mode"

	if err := cfg.Validate(); err != nil {
		return domain.NewError(domain.ConfigurationMismatch, op, err)
	}
	stored, err := store.ClaimSetting(ctx, IDModeSetting, string(cfg.IDMode))
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if stored != string(cfg.IDMode) {
		return domain.Errorf(domain.ConfigurationMismatch, op,
			"dataset was written with identifier mode %q, configured mode is %q", stored, cfg.IDMode)
	}
	return nil
}

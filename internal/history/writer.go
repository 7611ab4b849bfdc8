package history

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/auth"
	"github.com/rpattn/versionlog/internal/changes"
	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/repository"
)

// WriteOptions carry the optional attribution of a version. Unset fields
// default to the originator, origin and scope found on the context.
type WriteOptions struct {
	OriginatorID *string
	Origin       *string
	Meta         map[string]any
	Scope        *string
}

func (o WriteOptions) withDefaults(ctx context.Context) (WriteOptions, error) {
	if o.OriginatorID == nil {
		if originator, ok := auth.OriginatorFromContext(ctx); ok {
			o.OriginatorID = &originator
		}
	}
	if o.Origin == nil {
		if origin, ok := auth.OriginFromContext(ctx); ok {
			o.Origin = &origin
		}
	}
	if o.Scope == nil {
		if scope, ok := auth.ScopeFromContext(ctx); ok {
			o.Scope = &scope
		}
	} else if err := auth.EnforceScope(ctx, *o.Scope); err != nil {
		return o, err
	}
	return o, nil
}

// Writer persists versions inside the caller's transaction.
type Writer struct {
	settings
}

// NewWriter creates a Writer.
func NewWriter(opts ...Option) *Writer {
	return &Writer{settings: newSettings(opts)}
}

// Write inserts one version through tx. The clock is read once per call.
// inserted_at never moves backwards for an entity: when the previous version
// carries a later timestamp, that timestamp is reused.
func (w *Writer) Write(ctx context.Context, tx repository.Tx, ref domain.Ref, event domain.Event, itemChanges domain.ItemChanges, opts WriteOptions) (domain.Version, error) {
	const op = "write version"

	if !event.Valid() {
		return domain.Version{}, domain.Errorf(domain.WriteError, op, "unknown event %q", event)
	}
	if ref.ItemType == "" {
		return domain.Version{}, domain.Errorf(domain.WriteError, op, "item type is required")
	}
	if itemChanges == nil {
		return domain.Version{}, domain.Errorf(domain.WriteError, op, "item changes are required")
	}

	opts, err := opts.withDefaults(ctx)
	if err != nil {
		return domain.Version{}, domain.NewError(domain.WriteError, op, err)
	}
	if opts.Origin != nil && utf8.RuneCountInString(*opts.Origin) > domain.MaxOriginLength {
		return domain.Version{}, domain.Errorf(domain.WriteError, op, "origin %q exceeds %d characters", *opts.Origin, domain.MaxOriginLength)
	}

	var meta map[string]any
	if opts.Meta != nil {
		normalized, err := changes.Normalize(opts.Meta)
		if err != nil {
			return domain.Version{}, domain.NewError(domain.EncodingError, op, fmt.Errorf("meta: %w", err))
		}
		meta, _ = normalized.(map[string]any)
	}

	insertedAt := w.now().UTC()
	if ref.ItemID != nil {
		previous, err := tx.ListVersions(ctx, repository.VersionFilter{
			ItemType:   ref.ItemType,
			ItemID:     ref.ItemID,
			Limit:      1,
			Descending: true,
		})
		if err != nil {
			return domain.Version{}, domain.NewError(domain.WriteError, op, err)
		}
		if len(previous) == 1 && previous[0].InsertedAt.After(insertedAt) {
			insertedAt = previous[0].InsertedAt
		}
	}

	version, err := tx.InsertVersion(ctx, domain.Version{
		Event:        event,
		ItemType:     ref.ItemType,
		ItemID:       ref.ItemID,
		ItemChanges:  itemChanges,
		OriginatorID: opts.OriginatorID,
		Origin:       opts.Origin,
		Meta:         meta,
		Scope:        opts.Scope,
		InsertedAt:   insertedAt,
	})
	if err != nil {
		if domain.IsKind(err, domain.WriteError) {
			return domain.Version{}, err
		}
		return domain.Version{}, domain.NewError(domain.WriteError, op, err)
	}

	w.logger.Debug("version written",
		zap.Int64("version_id", version.ID),
		zap.String("event", string(event)),
		zap.String("ref", ref.String()),
	)
	return version, nil
}

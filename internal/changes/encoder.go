// Package changes computes the item_changes payload recorded for a mutation.
package changes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/rpattn/versionlog/internal/domain"
)

// Encoding selects how updated fields are represented.
type Encoding string

const (
	// EncodingNewValues records field -> new value.
	EncodingNewValues Encoding = "new_values"
	// EncodingBeforeAfter records field -> {"before": old, "after": new}.
	EncodingBeforeAfter Encoding = "before_after"
)

// DeleteMode selects what a deleted version captures.
type DeleteMode string

const (
	// DeleteFullState records the last known field set.
	DeleteFullState DeleteMode = "full"
	// DeleteTombstone records only TombstoneKey.
	DeleteTombstone DeleteMode = "tombstone"
)

const (
	// TombstoneKey marks a deletion recorded in tombstone mode.
	TombstoneKey = "_deleted"

	beforeKey = "before"
	afterKey  = "after"
)

// Options configure the encoder.
type Options struct {
	Encoding   Encoding
	DeleteMode DeleteMode
	// Ignore lists fields that are never recorded.
	Ignore []string
}

// DefaultOptions records new values and the full state on delete.
func DefaultOptions() Options {
	return Options{Encoding: EncodingNewValues, DeleteMode: DeleteFullState}
}

// Validate rejects unknown encodings and delete modes.
func (o Options) Validate() error {
	switch o.Encoding {
	case EncodingNewValues, EncodingBeforeAfter:
	default:
		return fmt.Errorf("unknown change encoding %q", o.Encoding)
	}
	switch o.DeleteMode {
	case DeleteFullState, DeleteTombstone:
	default:
		return fmt.Errorf("unknown delete mode %q", o.DeleteMode)
	}
	return nil
}

func (o Options) ignored() map[string]struct{} {
	set := make(map[string]struct{}, len(o.Ignore))
	for _, name := range o.Ignore {
		set[name] = struct{}{}
	}
	return set
}

// Encode computes item_changes for a mutation. It has no side effects.
//
// created records the full new state, updated records only the fields whose
// value differs, and deleted records the prior state (or a tombstone).
// Fields in one state but not the other are treated as changed; a field
// removed by an update is recorded with a null new value.
func Encode(event domain.Event, prior, next map[string]any, opts Options) (domain.ItemChanges, error) {
	const op = "encode changes"

	ignore := opts.ignored()
	switch event {
	case domain.EventCreated:
		if next == nil {
			return nil, domain.Errorf(domain.EncodingError, op, "created event requires new state")
		}
		normalized, err := normalizeFields(next, ignore)
		if err != nil {
			return nil, domain.NewError(domain.EncodingError, op, err)
		}
		if opts.Encoding == EncodingBeforeAfter {
			out := make(domain.ItemChanges, len(normalized))
			for key, value := range normalized {
				out[key] = pair(nil, value)
			}
			return out, nil
		}
		return domain.ItemChanges(normalized), nil

	case domain.EventUpdated:
		if prior == nil || next == nil {
			return nil, domain.Errorf(domain.EncodingError, op, "updated event requires prior and new state")
		}
		before, err := normalizeFields(prior, ignore)
		if err != nil {
			return nil, domain.NewError(domain.EncodingError, op, err)
		}
		after, err := normalizeFields(next, ignore)
		if err != nil {
			return nil, domain.NewError(domain.EncodingError, op, err)
		}
		return diff(before, after, opts.Encoding), nil

	case domain.EventDeleted:
		if prior == nil {
			return nil, domain.Errorf(domain.EncodingError, op, "deleted event requires prior state")
		}
		if opts.DeleteMode == DeleteTombstone {
			return domain.ItemChanges{TombstoneKey: true}, nil
		}
		normalized, err := normalizeFields(prior, ignore)
		if err != nil {
			return nil, domain.NewError(domain.EncodingError, op, err)
		}
		if opts.Encoding == EncodingBeforeAfter {
			out := make(domain.ItemChanges, len(normalized))
			for key, value := range normalized {
				out[key] = pair(value, nil)
			}
			return out, nil
		}
		return domain.ItemChanges(normalized), nil
	}

	return nil, domain.Errorf(domain.EncodingError, op, "unknown event %q", event)
}

func diff(before, after map[string]any, encoding Encoding) domain.ItemChanges {
	out := domain.ItemChanges{}
	for key, next := range after {
		prev, existed := before[key]
		if existed && reflect.DeepEqual(prev, next) {
			continue
		}
		out[key] = changed(prev, next, encoding)
	}
	for key, prev := range before {
		if _, kept := after[key]; kept {
			continue
		}
		out[key] = changed(prev, nil, encoding)
	}
	return out
}

func changed(before, after any, encoding Encoding) any {
	if encoding == EncodingBeforeAfter {
		return pair(before, after)
	}
	return after
}

func pair(before, after any) map[string]any {
	return map[string]any{beforeKey: before, afterKey: after}
}

// normalizeFields converts every value into its JSON form so that values
// compare the same way before and after a round trip through the datastore.
func normalizeFields(fields map[string]any, ignore map[string]struct{}) (map[string]any, error) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(fields))
	for _, key := range keys {
		if _, skip := ignore[key]; skip {
			continue
		}
		value, err := Normalize(fields[key])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

// Normalize returns the JSON representation of value, decoding numbers as json.Number.
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not representable as JSON: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode normalized value: %w", err)
	}
	return out, nil
}

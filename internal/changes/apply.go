package changes

import "github.com/rpattn/versionlog/internal/domain"

// Apply folds one version's changes onto state and returns the new state.
// The returned live flag is false once the entity has been deleted; the
// state then holds the last known field set.
func Apply(state map[string]any, event domain.Event, changes domain.ItemChanges, opts Options) (map[string]any, bool) {
	encoding := opts.Encoding
	switch event {
	case domain.EventCreated:
		out := make(map[string]any, len(changes))
		for key, value := range changes {
			out[key] = afterValue(value, encoding)
		}
		return out, true

	case domain.EventUpdated:
		out := make(map[string]any, len(state)+len(changes))
		for key, value := range state {
			out[key] = value
		}
		for key, value := range changes {
			out[key] = afterValue(value, encoding)
		}
		return out, true

	case domain.EventDeleted:
		if opts.DeleteMode == DeleteTombstone {
			return copyState(state), false
		}
		out := make(map[string]any, len(changes))
		for key, value := range changes {
			out[key] = beforeValue(value, encoding)
		}
		return out, false
	}
	return copyState(state), state != nil
}

// Replay folds versions in order and returns the final state.
func Replay(versions []domain.Version, opts Options) (map[string]any, bool) {
	var (
		state map[string]any
		live  bool
	)
	for _, v := range versions {
		state, live = Apply(state, v.Event, v.ItemChanges, opts)
	}
	return state, live
}

func afterValue(value any, encoding Encoding) any {
	if encoding != EncodingBeforeAfter {
		return value
	}
	if p, ok := value.(map[string]any); ok {
		return p[afterKey]
	}
	return value
}

func beforeValue(value any, encoding Encoding) any {
	if encoding != EncodingBeforeAfter {
		return value
	}
	if p, ok := value.(map[string]any); ok {
		return p[beforeKey]
	}
	return value
}

func copyState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for key, value := range state {
		out[key] = value
	}
	return out
}

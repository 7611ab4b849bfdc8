package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// Snapshot is the reconstructed state of an entity as of one version.
type Snapshot struct {
	ItemType   string
	ItemID     *ItemID
	VersionID  int64
	Event      Event
	InsertedAt time.Time
	Fields     map[string]any
}

// Deleted reports whether the snapshot describes a removed entity.
func (s Snapshot) Deleted() bool {
	return s.Event == EventDeleted
}

// CanonicalText flattens the snapshot into a deterministic set of lines suitable for diffing.
func (s Snapshot) CanonicalText() ([]string, error) {
	itemID := "<nil>"
	if s.ItemID != nil {
		itemID = s.ItemID.Key()
	}
	lines := []string{
		fmt.Sprintf("ItemType: %s", s.ItemType),
		fmt.Sprintf("ItemID: %s", itemID),
		fmt.Sprintf("Version: %d", s.VersionID),
		fmt.Sprintf("Event: %s", s.Event),
		"Fields:",
	}

	flattened := map[string]string{}
	if len(s.Fields) > 0 {
		if err := flattenProperties("", s.Fields, flattened); err != nil {
			return nil, err
		}
	}

	if len(flattened) == 0 {
		lines = append(lines, "  (empty)")
		return lines, nil
	}

	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, flattened[key]))
	}

	return lines, nil
}

// DiffSnapshots produces a unified diff between two snapshots using the provided labels.
// A nil snapshot renders as empty content.
func DiffSnapshots(baseLabel string, base *Snapshot, targetLabel string, target *Snapshot) (string, error) {
	baseString, err := canonicalString(base)
	if err != nil {
		return "", err
	}

	targetString, err := canonicalString(target)
	if err != nil {
		return "", err
	}

	return buildUnifiedDiff(baseLabel, targetLabel, baseString, targetString)
}

func canonicalString(snapshot *Snapshot) (string, error) {
	if snapshot == nil {
		return "", nil
	}

	lines, err := snapshot.CanonicalText()
	if err != nil {
		return "", err
	}

	return strings.Join(lines, "\n") + "\n", nil
}

func flattenProperties(prefix string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			next := key
			if prefix != "" {
				next = prefix + "." + key
			}
			if err := flattenProperties(next, typed[key], acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return nil
		}
		for idx, item := range typed {
			next := fmt.Sprintf("%s[%d]", prefix, idx)
			if prefix == "" {
				next = fmt.Sprintf("[%d]", idx)
			}
			if err := flattenProperties(next, item, acc); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = "null"
		}
	default:
		if prefix == "" {
			return fmt.Errorf("field name missing for value %v", typed)
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
		} else {
			acc[prefix] = string(encoded)
		}
	}

	return nil
}

func cloneProperties(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) (string, error) {
	baseLines := splitLines(baseContent)
	targetLines := splitLines(targetContent)

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        baseLines,
		B:        targetLines,
		FromFile: baseLabel,
		ToFile:   targetLabel,
		Context:  len(baseLines) + len(targetLines),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render diff: %w", err)
	}
	if diff == "" {
		return fmt.Sprintf("--- %s\n+++ %s\n", baseLabel, targetLabel), nil
	}
	return diff, nil
}

// splitLines keeps the trailing newline on every line, as difflib expects.
func splitLines(input string) []string {
	if input == "" {
		return nil
	}
	lines := strings.SplitAfter(input, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

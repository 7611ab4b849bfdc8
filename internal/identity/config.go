package identity

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/versionlog/internal/domain"
)

// IDMode selects the identifier space item_id values are recorded in.
type IDMode string

const (
	// IDModeNative keeps each identifier in its own space.
	IDModeNative IDMode = "native"
	// IDModeString records every identifier as a string.
	IDModeString IDMode = "string"
)

// ParseIDMode converts a configuration value into an IDMode.
func ParseIDMode(value string) (IDMode, error) {
	switch mode := IDMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case IDModeNative, IDModeString:
		return mode, nil
	case "":
		return IDModeNative, nil
	}
	return "", fmt.Errorf("unknown identifier mode %q", value)
}

// Config is the identifier configuration shared by the write and query paths.
// It must not change for the lifetime of a dataset.
type Config struct {
	IDMode IDMode
}

// DefaultConfig keeps identifiers native.
func DefaultConfig() Config {
	return Config{IDMode: IDModeNative}
}

// Validate rejects unknown modes.
func (c Config) Validate() error {
	if c.IDMode != IDModeNative && c.IDMode != IDModeString {
		return fmt.Errorf("unknown identifier mode %q", c.IDMode)
	}
	return nil
}

// Normalize converts a raw identifier into the configured identifier space.
// hint is the kind's declared identifier space and may be empty. A nil raw
// value yields a nil identifier.
func (c Config) Normalize(raw any, hint domain.IDKind) (*domain.ItemID, error) {
	const op = "normalize identifier"

	id, ok, err := native(raw)
	if err != nil {
		return nil, domain.NewError(domain.EncodingError, op, err)
	}
	if !ok {
		return nil, nil
	}

	if hint != "" && id.Kind != hint {
		if id.Kind != domain.IDKindString {
			return nil, domain.Errorf(domain.EncodingError, op, "identifier %s does not match declared kind %s", id.Key(), hint)
		}
		parsed, err := domain.ParseItemID(hint, id.Str)
		if err != nil {
			return nil, domain.NewError(domain.EncodingError, op, err)
		}
		id = parsed
	}

	if c.IDMode == IDModeString && id.Kind != domain.IDKindString {
		id = domain.StringID(id.String())
	}
	return &id, nil
}

// LiveValue returns the value used to look an identifier up in its live table.
func (c Config) LiveValue(id domain.ItemID, hint domain.IDKind) (any, error) {
	if hint != "" && id.Kind == domain.IDKindString && hint != domain.IDKindString {
		parsed, err := domain.ParseItemID(hint, id.Str)
		if err != nil {
			return nil, domain.NewError(domain.EncodingError, "live identifier", err)
		}
		return parsed.Value(), nil
	}
	return id.Value(), nil
}

func native(raw any) (domain.ItemID, bool, error) {
	switch v := raw.(type) {
	case nil:
		return domain.ItemID{}, false, nil
	case domain.ItemID:
		return v, true, nil
	case *domain.ItemID:
		if v == nil {
			return domain.ItemID{}, false, nil
		}
		return *v, true, nil
	case int:
		return domain.IntID(int64(v)), true, nil
	case int8:
		return domain.IntID(int64(v)), true, nil
	case int16:
		return domain.IntID(int64(v)), true, nil
	case int32:
		return domain.IntID(int64(v)), true, nil
	case int64:
		return domain.IntID(v), true, nil
	case uint:
		return fromUnsigned(uint64(v))
	case uint8:
		return domain.IntID(int64(v)), true, nil
	case uint16:
		return domain.IntID(int64(v)), true, nil
	case uint32:
		return domain.IntID(int64(v)), true, nil
	case uint64:
		return fromUnsigned(v)
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > math.MaxInt64 {
			return domain.ItemID{}, false, fmt.Errorf("identifier %v is not an integer", v)
		}
		return domain.IntID(int64(v)), true, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return domain.ItemID{}, false, fmt.Errorf("identifier %s is not an integer", v)
		}
		return domain.IntID(n), true, nil
	case string:
		return domain.StringID(v), true, nil
	case *string:
		if v == nil {
			return domain.ItemID{}, false, nil
		}
		return domain.StringID(*v), true, nil
	case uuid.UUID:
		return domain.UUIDID(v), true, nil
	case [16]byte:
		return domain.UUIDID(uuid.UUID(v)), true, nil
	}
	return domain.ItemID{}, false, fmt.Errorf("unsupported identifier type %T", raw)
}

func fromUnsigned(v uint64) (domain.ItemID, bool, error) {
	if v > math.MaxInt64 {
		return domain.ItemID{}, false, fmt.Errorf("identifier %d overflows int64", v)
	}
	return domain.IntID(int64(v)), true, nil
}

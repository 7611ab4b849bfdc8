package history

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/versionlog/internal/auth"
	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/repository"
)

// QueryOptions narrow a history query. Before and After are inclusive.
type QueryOptions struct {
	Scope  *string
	Limit  int
	Before *time.Time
	After  *time.Time
}

// QueryOption sets one field of QueryOptions.
type QueryOption func(*QueryOptions)

// WithScope restricts results to one scope partition.
func WithScope(scope string) QueryOption {
	return func(o *QueryOptions) { o.Scope = &scope }
}

// WithLimit caps the number of results.
func WithLimit(limit int) QueryOption {
	return func(o *QueryOptions) { o.Limit = limit }
}

// WithBefore keeps versions inserted at or before t.
func WithBefore(t time.Time) QueryOption {
	return func(o *QueryOptions) { o.Before = &t }
}

// WithAfter keeps versions inserted at or after t.
func WithAfter(t time.Time) QueryOption {
	return func(o *QueryOptions) { o.After = &t }
}

// Option keys accepted by ParseOptions.
const (
	OptionScope  = "scope"
	OptionLimit  = "limit"
	OptionBefore = "before"
	OptionAfter  = "after"
)

// ParseOptions converts string options, as received over HTTP, into query
// options. Malformed values are always rejected. Unknown keys are rejected
// when strict and otherwise returned as ignored.
func ParseOptions(values map[string]string, strict bool) ([]QueryOption, []string, error) {
	const op = "parse query options"

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var (
		opts    []QueryOption
		ignored []string
	)
	for _, key := range keys {
		value := strings.TrimSpace(values[key])
		switch key {
		case OptionScope:
			if value == "" {
				return nil, nil, domain.Errorf(domain.InvalidOption, op, "scope must not be empty")
			}
			opts = append(opts, WithScope(value))
		case OptionLimit:
			limit, err := strconv.Atoi(value)
			if err != nil || limit < 0 {
				return nil, nil, domain.Errorf(domain.InvalidOption, op, "limit %q is not a non-negative integer", value)
			}
			opts = append(opts, WithLimit(limit))
		case OptionBefore, OptionAfter:
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return nil, nil, domain.Errorf(domain.InvalidOption, op, "%s %q is not an RFC 3339 timestamp", key, value)
			}
			if key == OptionBefore {
				opts = append(opts, WithBefore(t))
			} else {
				opts = append(opts, WithAfter(t))
			}
		default:
			if strict {
				return nil, nil, domain.Errorf(domain.InvalidOption, op, "unknown option %q", key)
			}
			ignored = append(ignored, key)
		}
	}
	return opts, ignored, nil
}

func collectOptions(opts []QueryOption) QueryOptions {
	var o QueryOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// filter builds the datastore filter for o. The scope defaults to the one on
// the context; an explicit scope must agree with it.
func (o QueryOptions) filter(ctx context.Context) (repository.VersionFilter, error) {
	const op = "build query"

	if o.Limit < 0 {
		return repository.VersionFilter{}, domain.Errorf(domain.InvalidOption, op, "limit must not be negative")
	}
	if o.Before != nil && o.After != nil && o.Before.Before(*o.After) {
		return repository.VersionFilter{}, domain.Errorf(domain.InvalidOption, op, "before is earlier than after")
	}

	scope := o.Scope
	if scope == nil {
		if contextScope, ok := auth.ScopeFromContext(ctx); ok {
			scope = &contextScope
		}
	} else if err := auth.EnforceScope(ctx, *scope); err != nil {
		return repository.VersionFilter{}, domain.NewError(domain.InvalidOption, op, err)
	}

	return repository.VersionFilter{
		Scope:  scope,
		Limit:  o.Limit,
		Before: o.Before,
		After:  o.After,
	}, nil
}

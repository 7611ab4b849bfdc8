package identity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/repository"
)

type account struct {
	ID    uuid.UUID
	Email string
}

func (a account) PrimaryKey() any { return a.ID }

func (a account) Fields() map[string]any {
	return map[string]any{"id": a.ID, "email": a.Email}
}

func decodeAccount(fields map[string]any) (domain.Record, error) {
	raw, _ := fields["id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	email, _ := fields["email"].(string)
	return account{ID: id, Email: email}, nil
}

func TestRegisterRejectsCollisions(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(Kind{Tag: "account", Sample: account{}, Table: "accounts"}))

	assert.Error(t, registry.Register(Kind{Tag: "account", Table: "users"}))
	assert.Error(t, registry.Register(Kind{Tag: "user", Sample: account{}, Table: "users"}))
	assert.Error(t, registry.Register(Kind{Table: "users"}))
	assert.Error(t, registry.Register(Kind{Tag: "user", Table: "users; drop"}))
	assert.Error(t, registry.Register(Kind{Tag: "user", Table: "users", IDKind: "binary"}))
	assert.Error(t, registry.Register(Kind{Tag: "user", Table: "users"}))

	kind, ok := registry.Lookup("account")
	require.True(t, ok)
	assert.Equal(t, "id", kind.IDColumn)
	assert.Equal(t, domain.IDKindUUID, kind.IDKind)
	assert.Equal(t, []string{"account"}, registry.Tags())
}

func TestMustRegisterPanics(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Kind{Tag: "account", Table: "accounts", IDKind: domain.IDKindInt})
	assert.Panics(t, func() {
		registry.MustRegister(Kind{Tag: "account", Table: "accounts", IDKind: domain.IDKindInt})
	})
}

func TestKindOf(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Kind{Tag: "account", Sample: account{}, Table: "accounts"})
	registry.MustRegister(Kind{Tag: "widget", Table: "widgets", IDKind: domain.IDKindInt})

	kind, err := registry.KindOf(account{})
	require.NoError(t, err)
	assert.Equal(t, "account", kind.Tag)

	kind, err = registry.KindOf(domain.NewRow("widget", "id", nil))
	require.NoError(t, err)
	assert.Equal(t, "widget", kind.Tag)

	_, err = registry.KindOf(domain.NewRow("gadget", "id", nil))
	assert.True(t, errors.Is(err, domain.ErrUnknownKind))

	_, err = registry.KindOf(nil)
	assert.True(t, errors.Is(err, domain.ErrUnknownKind))
}

func TestNormalizeNativeMode(t *testing.T) {
	cfg := DefaultConfig()

	cases := []struct {
		name string
		raw  any
		hint domain.IDKind
		want domain.ItemID
	}{
		{"int", 7, "", domain.IntID(7)},
		{"uint32", uint32(7), "", domain.IntID(7)},
		{"float", float64(7), "", domain.IntID(7)},
		{"json number", json.Number("7"), "", domain.IntID(7)},
		{"string", "7", "", domain.StringID("7")},
		{"string with int hint", "7", domain.IDKindInt, domain.IntID(7)},
		{"item id", domain.StringID("x"), domain.IDKindString, domain.StringID("x")},
		{"uuid string", "3b241101-e2bb-4255-8caf-4136c566a962", domain.IDKindUUID, domain.UUIDID(uuid.MustParse("3b241101-e2bb-4255-8caf-4136c566a962"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := cfg.Normalize(tc.raw, tc.hint)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Equal(tc.want), "got %s want %s", got.Key(), tc.want.Key())
		})
	}

	id, err := cfg.Normalize(nil, domain.IDKindInt)
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestNormalizeRejects(t *testing.T) {
	cfg := DefaultConfig()

	for name, raw := range map[string]any{
		"fractional float": 1.5,
		"overflow":         uint64(1 << 63),
		"struct":           struct{}{},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := cfg.Normalize(raw, "")
			assert.True(t, errors.Is(err, domain.ErrEncoding))
		})
	}

	_, err := cfg.Normalize(7, domain.IDKindUUID)
	assert.True(t, errors.Is(err, domain.ErrEncoding))
	_, err = cfg.Normalize("abc", domain.IDKindInt)
	assert.True(t, errors.Is(err, domain.ErrEncoding))
}

func TestNormalizeStringMode(t *testing.T) {
	cfg := Config{IDMode: IDModeString}

	for _, raw := range []any{1, int64(1), "1", json.Number("1"), domain.IntID(1)} {
		got, err := cfg.Normalize(raw, domain.IDKindInt)
		require.NoError(t, err)
		assert.True(t, got.Equal(domain.StringID("1")), "raw %#v", raw)
	}

	live, err := cfg.LiveValue(domain.StringID("1"), domain.IDKindInt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), live)
}

func TestParseIDMode(t *testing.T) {
	mode, err := ParseIDMode("")
	require.NoError(t, err)
	assert.Equal(t, IDModeNative, mode)

	mode, err = ParseIDMode(" String ")
	require.NoError(t, err)
	assert.Equal(t, IDModeString, mode)

	_, err = ParseIDMode("binary")
	assert.Error(t, err)
}

func seedAccounts(t *testing.T, store *repository.MemoryStore, accounts ...account) {
	t.Helper()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		for _, a := range accounts {
			if _, err := tx.InsertRow(ctx, "accounts", "id", map[string]any{"id": a.ID.String(), "email": a.Email}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestResolveAndDereference(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Kind{Tag: "account", Sample: account{}, Table: "accounts", IDKind: domain.IDKindUUID, Decode: decodeAccount})
	resolver := NewResolver(registry, DefaultConfig())

	alice := account{ID: uuid.New(), Email: "alice@example.com"}
	store := repository.NewMemoryStore()
	seedAccounts(t, store, alice)

	ref, err := resolver.Resolve(alice)
	require.NoError(t, err)
	assert.Equal(t, "account", ref.ItemType)
	assert.True(t, ref.ItemID.Equal(domain.UUIDID(alice.ID)))

	version := domain.Version{ID: 1, ItemType: ref.ItemType, ItemID: ref.ItemID}
	record, err := resolver.Dereference(context.Background(), store, version)
	require.NoError(t, err)
	assert.Equal(t, alice, record)

	missing := domain.UUIDID(uuid.New())
	_, err = resolver.Dereference(context.Background(), store, domain.Version{ItemType: "account", ItemID: &missing})
	assert.True(t, domain.IsNotFound(err))

	_, err = resolver.Dereference(context.Background(), store, domain.Version{ItemType: "gadget", ItemID: &missing})
	assert.True(t, errors.Is(err, domain.ErrUnknownKind))

	_, err = resolver.Dereference(context.Background(), store, domain.Version{ItemType: "account"})
	assert.True(t, domain.IsNotFound(err))
}

func TestDereferenceMany(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Kind{Tag: "account", Sample: account{}, Table: "accounts", IDKind: domain.IDKindUUID, Decode: decodeAccount})
	resolver := NewResolver(registry, DefaultConfig())

	alice := account{ID: uuid.New(), Email: "alice@example.com"}
	bob := account{ID: uuid.New(), Email: "bob@example.com"}
	store := repository.NewMemoryStore()
	seedAccounts(t, store, alice, bob)

	aliceID := domain.UUIDID(alice.ID)
	bobID := domain.UUIDID(bob.ID)
	goneID := domain.UUIDID(uuid.New())
	versions := []domain.Version{
		{ItemType: "account", ItemID: &bobID},
		{ItemType: "account", ItemID: &goneID},
		{ItemType: "account", ItemID: &aliceID},
		{ItemType: "account", ItemID: &bobID},
		{ItemType: "account"},
	}

	records, err := resolver.DereferenceMany(context.Background(), store, versions)
	require.NoError(t, err)
	require.Len(t, records, len(versions))
	assert.Equal(t, bob, records[0])
	assert.Nil(t, records[1])
	assert.Equal(t, alice, records[2])
	assert.Equal(t, bob, records[3])
	assert.Nil(t, records[4])
}

type staticRows []map[string]any

func (s staticRows) GetRow(context.Context, string, string, any) (map[string]any, error) {
	return nil, domain.Errorf(domain.NotFound, "get row", "not stored")
}

func (s staticRows) GetRows(context.Context, string, string, []any) ([]map[string]any, error) {
	return s, nil
}

func TestDereferenceManyRejectsUndecodableIdentifiers(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(Kind{Tag: "widget", Table: "widgets", IDKind: domain.IDKindInt})
	core, logs := observer.New(zap.WarnLevel)
	resolver := NewResolver(registry, DefaultConfig(), WithResolverLogger(zap.New(core)))

	id := domain.IntID(1)
	versions := []domain.Version{{ItemType: "widget", ItemID: &id}}

	_, err := resolver.DereferenceMany(context.Background(), staticRows{{"id": "one", "name": "A"}}, versions)
	assert.True(t, errors.Is(err, domain.ErrEncoding))

	records, err := resolver.DereferenceMany(context.Background(), staticRows{{"name": "A"}}, versions)
	require.NoError(t, err)
	assert.Nil(t, records[0])
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "skipping live row without identifier", logs.All()[0].Message)
}

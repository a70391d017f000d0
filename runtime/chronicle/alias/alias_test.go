package alias

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

type fakeStore struct {
	aliases map[string]canon.Alias
	calls   int
}

func (f *fakeStore) AliasByName(ctx context.Context, org, name string) (canon.Alias, bool, error) {
	f.calls++
	al, ok := f.aliases[org+"/"+name]
	return al, ok, nil
}

func TestResolveRule1ModelsVerbatim(t *testing.T) {
	r := New(&fakeStore{}, nil)
	req := canon.Request{
		Options: canon.RequestOptions{Models: []canon.AliasModel{
			{Provider: "openai", Model: "gpt-4o"},
			{Provider: "anthropic", Model: "claude-3-5-sonnet"},
		}},
	}
	attempts, err := r.Resolve(context.Background(), "org1", req)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "openai", attempts[0].Provider)
}

func TestResolveRule2ProviderSlashModel(t *testing.T) {
	r := New(&fakeStore{}, nil)
	req := canon.Request{Model: "anthropic/claude-3-opus"}
	attempts, err := r.Resolve(context.Background(), "org1", req)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "anthropic", attempts[0].Provider)
	assert.Equal(t, "claude-3-opus", attempts[0].Model)
}

func TestResolveRule3AliasTable(t *testing.T) {
	store := &fakeStore{aliases: map[string]canon.Alias{
		"org1/fast": {
			Name: "fast",
			Models: []canon.AliasModel{
				{Sort: 0, Provider: "openai", Model: "gpt-4o-mini"},
				{Sort: 1, Provider: "anthropic", Model: "claude-3-5-haiku"},
			},
		},
	}}
	r := New(store, nil)
	req := canon.Request{Model: "fast"}
	attempts, err := r.Resolve(context.Background(), "org1", req)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "openai", attempts[0].Provider)

	// Cached second time, store not hit again.
	_, err = r.Resolve(context.Background(), "org1", req)
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
}

func TestResolveRule4PrefixDefault(t *testing.T) {
	r := New(&fakeStore{}, nil)
	attempts, err := r.Resolve(context.Background(), "org1", canon.Request{Model: "gpt-4o"})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "openai", attempts[0].Provider)

	attempts, err = r.Resolve(context.Background(), "org1", canon.Request{Model: "claude-3-opus"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", attempts[0].Provider)
}

func TestResolveUnknownModelErrors(t *testing.T) {
	r := New(&fakeStore{}, nil)
	_, err := r.Resolve(context.Background(), "org1", canon.Request{Model: "mystery-model"})
	assert.Error(t, err)
}

func TestInvalidateDropsCacheEntry(t *testing.T) {
	store := &fakeStore{aliases: map[string]canon.Alias{
		"org1/fast": {Name: "fast", Models: []canon.AliasModel{{Provider: "openai", Model: "gpt-4o-mini"}}},
	}}
	r := New(store, nil)
	req := canon.Request{Model: "fast"}
	_, err := r.Resolve(context.Background(), "org1", req)
	require.NoError(t, err)
	r.Invalidate("org1", "fast")
	_, err = r.Resolve(context.Background(), "org1", req)
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestRotateWraps(t *testing.T) {
	attempts := []Attempt{{Model: "a"}, {Model: "b"}, {Model: "c"}}
	got := rotate(attempts, 2)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Model)
	assert.Equal(t, "a", got[1].Model)
	assert.Equal(t, "b", got[2].Model)
}

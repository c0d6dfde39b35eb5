package assistant

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
assistants:
  - id: 6f1c2a0e-8d6b-4c4e-9b0a-2f0c1b9d7e11
    name: Support
    prompt: You answer billing questions.
    owners: [alice, " ops-team "]
    tools:
      - id: invoice_lookup
        name: Invoice lookup
        keywords: [invoice, billing]
    flows:
      - id: refund
        name: Refund flow
  - id: 0b9e7f3c-1d2a-4e5f-8a6b-7c8d9e0f1a2b
    name: Archived
    status: 0
`

func TestParseCatalogYAML(t *testing.T) {
	store, err := ParseCatalog([]byte(sampleCatalog), "yaml")
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 2)

	support, err := store.Get(context.Background(), uuid.MustParse("6f1c2a0e-8d6b-4c4e-9b0a-2f0c1b9d7e11"))
	require.NoError(t, err)
	assert.Equal(t, "Support", support.Name)
	assert.True(t, support.Status.Online())
	require.Len(t, support.Tools, 1)
	assert.Equal(t, []string{"invoice", "billing"}, support.Tools[0].Keywords)
	require.Len(t, support.Flows, 1)
	assert.Equal(t, []string{"alice", "ops-team"}, support.Owners)
	assert.True(t, support.OwnedBy("alice"))
	assert.False(t, support.OwnedBy("mallory"))
	assert.False(t, support.OwnedBy(""))

	archived, err := store.Get(context.Background(), uuid.MustParse("0b9e7f3c-1d2a-4e5f-8a6b-7c8d9e0f1a2b"))
	require.NoError(t, err)
	assert.False(t, archived.Status.Online())
}

func TestParseCatalogRejectsBadEntries(t *testing.T) {
	_, err := ParseCatalog([]byte("assistants:\n  - id: nope\n"), "yaml")
	require.Error(t, err)

	dup := `{"assistants":[{"id":"6f1c2a0e-8d6b-4c4e-9b0a-2f0c1b9d7e11"},{"id":"6f1c2a0e-8d6b-4c4e-9b0a-2f0c1b9d7e11"}]}`
	_, err = ParseCatalog([]byte(dup), "json")
	require.Error(t, err)

	_, err = ParseCatalog([]byte("x"), "toml")
	require.Error(t, err)
}

func TestLoadCatalogFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assistants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	store, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, store.List(), 2)

	empty, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Empty(t, empty.List())

	_, err = LoadCatalog(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestMemoryStoreSetStatus(t *testing.T) {
	id := uuid.New()
	store := NewMemoryStore(Assistant{ID: id, Name: "a", Status: StatusOnline})

	a, err := store.SetStatus(context.Background(), id, StatusOffline)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, a.Status)

	_, err = store.SetStatus(context.Background(), uuid.New(), StatusOnline)
	require.ErrorIs(t, err, ErrNotFound)
}

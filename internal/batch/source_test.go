package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeItemsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSource_Items(t *testing.T) {
	path := writeItemsFile(t, `
# header comment
{"identity": "acme", "payload": {"website": "https://acme.example"}}

{"identity": "globex", "payload": {"website": "https://globex.example"}}
{"identity": "initech"}
`)

	items, err := NewFileSource(path).Items(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "acme", items[0].Identity)
	assert.Equal(t, "https://acme.example", items[0].Payload["website"])
	assert.Equal(t, "globex", items[1].Identity)
	assert.Nil(t, items[2].Payload)
}

func TestFileSource_MissingFile(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "nope.jsonl")).Items(context.Background())
	assert.Error(t, err)
}

func TestFileSource_MalformedLine(t *testing.T) {
	path := writeItemsFile(t, `{"identity": "acme"}
{not json`)

	_, err := NewFileSource(path).Items(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestFileSource_MissingIdentity(t *testing.T) {
	path := writeItemsFile(t, `{"payload": {"website": "x"}}`)

	_, err := NewFileSource(path).Items(context.Background())
	assert.ErrorIs(t, err, ErrMissingIdentity)
}

func TestFileSource_DuplicateIdentity(t *testing.T) {
	path := writeItemsFile(t, `{"identity": "acme"}
{"identity": "acme"}`)

	_, err := NewFileSource(path).Items(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

package store_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/unikey/store"
	"github.com/jacentio/unikey/uniquekey"
)

func TestDefaultConfig(t *testing.T) {
	cfg := store.DefaultConfig()

	assert.Equal(t, "default", cfg.Collection)
	assert.Equal(t, 1, cfg.NumPartitions)
	assert.Equal(t, "unikey_documents", cfg.DocumentTable)
	assert.Equal(t, "unikey_unique_constraints", cfg.UniqueTable)
	assert.False(t, cfg.StrictUpsertConflicts)
	assert.Empty(t, cfg.UniqueKeyPolicy.UniqueKeys)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := store.LoadConfig(strings.NewReader(`
collection: people
partitionKeyPaths: [/pk]
numPartitions: 32
strictUpsertConflicts: true
uniqueKeyPolicy:
  uniqueKeys:
    - paths: [/name, /address]
    - paths: [/pk, /email]
`))
	require.NoError(t, err)

	assert.Equal(t, "people", cfg.Collection)
	assert.Equal(t, []string{"/pk"}, cfg.PartitionKeyPaths)
	assert.Equal(t, 32, cfg.NumPartitions)
	assert.True(t, cfg.StrictUpsertConflicts)
	assert.Equal(t, uniquekey.NewPolicy(
		uniquekey.NewDefinition("/name", "/address"),
		uniquekey.NewDefinition("/pk", "/email"),
	), cfg.UniqueKeyPolicy)
	assert.Equal(t, "unikey_documents", cfg.DocumentTable, "defaults survive")
}

func TestLoadConfig_Empty(t *testing.T) {
	cfg, err := store.LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, store.DefaultConfig(), cfg)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "collection: people\nshards: 4\n"},
		{"relative path", "uniqueKeyPolicy:\n  uniqueKeys:\n    - paths: [name]\n"},
		{"empty definition", "uniqueKeyPolicy:\n  uniqueKeys:\n    - paths: []\n"},
		{"bad partition key", "partitionKeyPaths: [pk]\n"},
		{"not yaml", "collection: [unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.LoadConfig(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_ClampsPartitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want int
	}{
		{"no partition key", "numPartitions: 8\n", 1},
		{"zero", "partitionKeyPaths: [/pk]\nnumPartitions: 0\n", 1},
		{"negative", "partitionKeyPaths: [/pk]\nnumPartitions: -3\n", 1},
		{"over max", "partitionKeyPaths: [/pk]\nnumPartitions: 1000\n", 256},
		{"in range", "partitionKeyPaths: [/pk]\nnumPartitions: 64\n", 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := store.LoadConfig(strings.NewReader(tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.NumPartitions)
		})
	}
}

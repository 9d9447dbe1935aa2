package store

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/unikey/internal/shard"
	"github.com/jacentio/unikey/uniquekey"
)

// Config holds configuration for a Collection.
type Config struct {
	// Collection is the logical collection name. It namespaces index records.
	// Default: "default"
	Collection string `yaml:"collection"`

	// PartitionKeyPaths are the document paths whose values select the partition.
	// Empty means a single-partition collection.
	PartitionKeyPaths []string `yaml:"partitionKeyPaths"`

	// UniqueKeyPolicy declares the unique keys. Immutable once the collection exists.
	UniqueKeyPolicy uniquekey.Policy `yaml:"uniqueKeyPolicy"`

	// NumPartitions is the number of physical partitions.
	// Default: 1 (forced to 1 without a partition key)
	// Max: 256
	NumPartitions int `yaml:"numPartitions"`

	// StrictUpsertConflicts reports unique key violations on the upsert insert path as
	// ErrDuplicateValue instead of ErrRetryWith.
	StrictUpsertConflicts bool `yaml:"strictUpsertConflicts"`

	// DocumentTable is the DynamoDB table holding documents.
	// Default: "unikey_documents"
	DocumentTable string `yaml:"documentTable"`

	// UniqueTable is the DynamoDB table holding unique constraint records.
	// Default: "unikey_unique_constraints"
	UniqueTable string `yaml:"uniqueTable"`
}

// DefaultConfig returns sensible defaults for a single-partition collection.
func DefaultConfig() Config {
	return Config{
		Collection:    "default",
		NumPartitions: 1,
		DocumentTable: "unikey_documents",
		UniqueTable:   "unikey_unique_constraints",
	}
}

// LoadConfig reads a YAML configuration on top of DefaultConfig.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.validate()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the unique key policy and partition key paths.
func (c Config) Validate() error {
	if err := c.UniqueKeyPolicy.Validate(); err != nil {
		return err
	}
	for _, p := range c.PartitionKeyPaths {
		if _, err := uniquekey.ParsePath(p); err != nil {
			return fmt.Errorf("partition key: %w", err)
		}
	}
	return nil
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Collection == "" {
		c.Collection = "default"
	}
	if c.DocumentTable == "" {
		c.DocumentTable = "unikey_documents"
	}
	if c.UniqueTable == "" {
		c.UniqueTable = "unikey_unique_constraints"
	}
	if c.NumPartitions < 1 || len(c.PartitionKeyPaths) == 0 {
		c.NumPartitions = 1
	}
	if c.NumPartitions > shard.MaxPartitions {
		c.NumPartitions = shard.MaxPartitions
	}
}

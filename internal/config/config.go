package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	Type        string         `yaml:"type"`
	Postgres    PostgresSource `yaml:"postgres"`
	OffsetStore string         `yaml:"offset_store"`
}

type PostgresSource struct {
	DSN               string `yaml:"dsn"`
	Slot              string `yaml:"slot"`
	Publication       string `yaml:"publication"`
	StartLSN          string `yaml:"start_lsn"`
	CreatePublication bool   `yaml:"create_publication"`
	CreateSlot        bool   `yaml:"create_slot"`
}

// StoreConfig locates the badger database holding base table state.
type StoreConfig struct {
	Path           string  `yaml:"path"`
	InMemory       bool    `yaml:"in_memory"`
	SyncWrites     bool    `yaml:"sync_writes"`
	GCIntervalSec  int     `yaml:"gc_interval_sec"`
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

type KafkaSink struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type SinkConfig struct {
	Type  string    `yaml:"type"`
	Kafka KafkaSink `yaml:"kafka"`
}

type Column struct {
	Name string `yaml:"name"`
	// Type is a CQL-like type name: text, int, map<text, text>, set<text>,
	// list<text> or a frozen/user type name.
	Type string `yaml:"type"`
}

// Table describes one replicated table and its CDC options.
type Table struct {
	// Name is "schema.table".
	Name          string   `yaml:"name"`
	PartitionKey  []string `yaml:"partition_key"`
	ClusteringKey []string `yaml:"clustering_key"`
	Static        []string `yaml:"static"`
	Columns       []Column `yaml:"columns"`
	// CDC holds the raw options map: enabled, preimage, postimage, ttl.
	CDC map[string]string `yaml:"cdc"`
}

func (t Table) Keyspace() string {
	ks, _, _ := strings.Cut(t.Name, ".")
	return ks
}

func (t Table) TableName() string {
	_, name, _ := strings.Cut(t.Name, ".")
	return name
}

type Batching struct {
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMs int `yaml:"flush_interval_ms"`
	// RetryIntervalMs is the pause before a failed batch is tried again.
	RetryIntervalMs int `yaml:"retry_interval_ms"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Source   SourceConfig `yaml:"source"`
	Store    StoreConfig  `yaml:"store"`
	Sink     SinkConfig   `yaml:"sink"`
	Tables   []Table      `yaml:"tables"`
	Batching Batching     `yaml:"batching"`
	HTTP     HTTPConfig   `yaml:"http"`
	Log      LogConfig    `yaml:"log"`
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, errors.Wrapf(err, "parsing %s", path)
	}

	// Apply defaults
	if c.Batching.BatchSize <= 0 {
		c.Batching.BatchSize = 64
	}
	if c.Batching.FlushIntervalMs <= 0 {
		c.Batching.FlushIntervalMs = 500
	}
	if c.Batching.RetryIntervalMs <= 0 {
		c.Batching.RetryIntervalMs = 1000
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Store.GCDiscardRatio <= 0 {
		c.Store.GCDiscardRatio = 0.5
	}

	for _, t := range c.Tables {
		if !strings.Contains(t.Name, ".") {
			return Config{}, errors.Newf("table %q: name must be schema.table", t.Name)
		}
		if len(t.PartitionKey) == 0 {
			return Config{}, errors.Newf("table %q: partition_key is required", t.Name)
		}
	}
	return c, nil
}

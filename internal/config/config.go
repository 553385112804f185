// Package config loads the engine configuration from a YAML or JSON file
// and POLYSTORE_ environment variables.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/hanpama/polystore/internal/meta"
)

// EnvPrefix prefixes environment overrides: POLYSTORE_LOG_LEVEL sets
// log.level.
const EnvPrefix = "POLYSTORE"

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Scheduler  PoolConfig       `mapstructure:"scheduler"`
	Storage    PoolConfig       `mapstructure:"storage"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
	Constraint string           `mapstructure:"constraint"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Server     ServerConfig     `mapstructure:"server"`
	Node       NodeConfig       `mapstructure:"node"`
	Otel       OtelConfig       `mapstructure:"otel"`
	Engines    []EngineConfig   `mapstructure:"engines"`
	Units      []UnitConfig     `mapstructure:"units"`
	Fragments  []FragmentConfig `mapstructure:"fragments"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PoolConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

type OptimizerConfig struct {
	Fusion   bool `mapstructure:"fusion"`
	PushDown bool `mapstructure:"push_down"`
}

type RemoteConfig struct {
	MaxConnsPerEndpoint int           `mapstructure:"max_conns_per_endpoint"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout"`
}

type ServerConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
	Pretty  bool          `mapstructure:"pretty"`
}

// NodeConfig configures the storage-node command, which serves one local
// engine over gRPC.
type NodeConfig struct {
	Addr   string `mapstructure:"addr"`
	Engine string `mapstructure:"engine"`
	Path   string `mapstructure:"path"`
}

type OtelConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

type EngineConfig struct {
	ID      string            `mapstructure:"id"`
	Type    string            `mapstructure:"type"`
	Address string            `mapstructure:"address"`
	Params  map[string]string `mapstructure:"params"`
}

type UnitConfig struct {
	ID       string   `mapstructure:"id"`
	Engine   string   `mapstructure:"engine"`
	Replicas []string `mapstructure:"replicas"`
	Dummy    bool     `mapstructure:"dummy"`
}

// FragmentConfig describes one fragment. Missing bounds are unbounded.
type FragmentConfig struct {
	ID           string `mapstructure:"id"`
	Unit         string `mapstructure:"unit"`
	ColumnsStart string `mapstructure:"columns_start"`
	ColumnsEnd   string `mapstructure:"columns_end"`
	SchemaPrefix string `mapstructure:"schema_prefix"`
	KeyStart     *int64 `mapstructure:"key_start"`
	KeyEnd       *int64 `mapstructure:"key_end"`
}

var defaults = map[string]any{
	"log.level":                     "info",
	"log.format":                    "console",
	"scheduler.pool_size":           64,
	"storage.pool_size":             32,
	"optimizer.fusion":              true,
	"optimizer.push_down":           true,
	"constraint":                    "naive",
	"remote.max_conns_per_endpoint": 2,
	"remote.rpc_timeout":            "3s",
	"server.addr":                   ":8080",
	"server.timeout":                "10s",
	"server.pretty":                 false,
	"node.addr":                     ":9090",
	"node.engine":                   "memory",
	"node.path":                     "",
	"otel.endpoint":                 "",
	"otel.service":                  "polystore",
}

// Load reads path, when given, over the defaults and applies environment
// overrides. Without engines the result describes a single in-memory unit
// holding every column.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if len(c.Engines) == 0 {
		c.Engines = []EngineConfig{{ID: "local", Type: "memory"}}
		c.Units = []UnitConfig{{ID: "u0", Engine: "local"}}
		c.Fragments = []FragmentConfig{{ID: "f0", Unit: "u0"}}
	}
	return &c, nil
}

// Metadata builds the metadata manager described by c.
func (c *Config) Metadata() (*meta.Manager, error) {
	m := meta.NewManager()
	for _, e := range c.Engines {
		if e.ID == "" || e.Type == "" {
			return nil, errors.Newf("config: engine needs id and type: %+v", e)
		}
		m.AddEngine(&meta.StorageEngine{ID: e.ID, Type: e.Type, Address: e.Address, Params: e.Params})
	}
	for _, u := range c.Units {
		if err := m.AddUnit(&meta.StorageUnit{ID: u.ID, EngineID: u.Engine, Replicas: u.Replicas, Dummy: u.Dummy}); err != nil {
			return nil, errors.Wrap(err, "config")
		}
	}
	for _, u := range c.Units {
		for _, r := range u.Replicas {
			if _, ok := m.Unit(r); !ok {
				return nil, errors.Wrapf(meta.ErrUnknownUnit, "config: replica %q of unit %s", r, u.ID)
			}
		}
	}
	for _, f := range c.Fragments {
		keys := meta.AllKeys
		if f.KeyStart != nil {
			keys.Start = *f.KeyStart
		}
		if f.KeyEnd != nil {
			keys.End = *f.KeyEnd
		}
		if keys.Start >= keys.End {
			return nil, errors.Newf("config: fragment %s has empty key interval %s", f.ID, keys)
		}
		err := m.AddFragment(&meta.Fragment{
			ID:      f.ID,
			Columns: meta.ColumnsInterval{Start: f.ColumnsStart, End: f.ColumnsEnd, SchemaPrefix: f.SchemaPrefix},
			Keys:    keys,
			UnitID:  f.Unit,
		})
		if err != nil {
			return nil, errors.Wrap(err, "config")
		}
	}
	return m, nil
}

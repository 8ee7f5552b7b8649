/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

// Package config loads the backend selection and entity schemas of an
// application and builds the matching factory.
//
// Values come from, in increasing precedence: defaults, a YAML file, a .env
// file and ENTITYDAO_* environment variables:
//
//	backend: sqlite
//	sqlite:
//	  path: data/entities.db
//	entities:
//	  - name: Company
//	    key: int64
//	    nonCopyable: [createdBy]
//
// ENTITYDAO_BACKEND=dynamodb ENTITYDAO_DDB_TABLE=entities selects DynamoDB instead.
package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/datastore/ddb"
	"github.com/suparena/entitydao/datastore/file"
	"github.com/suparena/entitydao/datastore/memory"
	"github.com/suparena/entitydao/datastore/sqlstore"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/registry"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ENTITYDAO_"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Config selects and configures one backend.
type Config struct {
	// Name of the factory. Default: "entitydao"
	Name string `yaml:"name" env:"NAME"`
	// Backend is one of memory, file, sqlite or dynamodb. Default: memory
	Backend string `yaml:"backend" env:"BACKEND"`
	// Session identifies the process in lock owners. Empty means a random id.
	Session string `yaml:"session" env:"SESSION"`

	File     FileConfig     `yaml:"file" envPrefix:"FILE_"`
	SQLite   SQLiteConfig   `yaml:"sqlite" envPrefix:"SQLITE_"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb" envPrefix:"DDB_"`
	NATS     NATSConfig     `yaml:"nats" envPrefix:"NATS_"`

	Entities []registry.Schema `yaml:"entities"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	// Dir holds one directory per entity type. Default: "data"
	Dir string `yaml:"dir" env:"DIR"`
	// Format is json or yaml. Default: json
	Format string `yaml:"format" env:"FORMAT"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	// Path of the database file, or ":memory:". Default: "entities.db"
	Path string `yaml:"path" env:"PATH"`
}

// DynamoDBConfig configures the dynamodb backend. Region and credentials fall
// back to the default AWS configuration.
type DynamoDBConfig struct {
	Table     string          `yaml:"table" env:"TABLE"`
	Region    string          `yaml:"region" env:"REGION"`
	AccessKey string          `yaml:"accessKey" env:"ACCESS_KEY"`
	SecretKey string          `yaml:"secretKey" env:"SECRET_KEY"`
	Endpoint  string          `yaml:"endpoint" env:"ENDPOINT"`
	Indexes   []ddb.GSIConfig `yaml:"indexes"`
}

// NATSConfig configures event publication. An empty URL disables it.
type NATSConfig struct {
	URL    string `yaml:"url" env:"URL"`
	Prefix string `yaml:"prefix" env:"PREFIX"`
}

// Default returns the configuration of an in-memory factory.
func Default() *Config {
	return &Config{
		Name:    "entitydao",
		Backend: BackendMemory,
		File:    FileConfig{Dir: "data", Format: "json"},
		SQLite:  SQLiteConfig{Path: "entities.db"},
	}
}

// Load reads path (skipped when empty), then the optional env files (".env"
// when none are given) and the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, name := range envFiles {
		if err := godotenv.Load(name); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate fills defaults and checks the selected backend.
func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = "entitydao"
	}
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.File.Format == "" {
		c.File.Format = "json"
	}

	switch c.Backend {
	case BackendMemory:
	case BackendFile:
		if c.File.Dir == "" {
			return errors.NewValidationError("file.dir", "data directory is required")
		}
		if _, err := datastore.SerializerByName(c.File.Format); err != nil {
			return errors.NewValidationError("file.format", err.Error())
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return errors.NewValidationError("sqlite.path", "database path is required")
		}
	case BackendDynamoDB:
		if c.DynamoDB.Table == "" {
			return errors.NewValidationError("dynamodb.table", "table name is required")
		}
	default:
		return errors.NewValidationError("backend", fmt.Sprintf("unknown backend %q", c.Backend))
	}

	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// Registry returns a registry holding the configured entity schemas.
func (c *Config) Registry() (*registry.Registry, error) {
	reg := registry.New()
	for _, s := range c.Entities {
		if err := reg.Register(s); err != nil {
			return nil, fmt.Errorf("entity %s: %w", s.Name, err)
		}
	}
	return reg, nil
}

// NewMaster builds the master of the configured backend.
func NewMaster(c *Config, logger *slog.Logger) (entitydao.Master, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch c.Backend {
	case BackendMemory, "":
		return memory.New(), nil
	case BackendFile:
		serializer, err := datastore.SerializerByName(c.File.Format)
		if err != nil {
			return nil, errors.NewValidationError("file.format", err.Error())
		}
		m, err := file.NewMaster(c.File.Dir, file.WithSerializer(serializer), file.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return m, nil
	case BackendSQLite:
		m, err := sqlstore.NewMaster(c.SQLite.Path, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return m, nil
	case BackendDynamoDB:
		reg, err := c.Registry()
		if err != nil {
			return nil, err
		}
		indexes := c.DynamoDB.Indexes
		if len(indexes) == 0 {
			indexes = ddb.DefaultGSIConfigs
		}
		m, err := ddb.NewMaster(ddb.Options{
			Table: c.DynamoDB.Table,
			ClientOptions: ddb.ClientOptions{
				Region:    c.DynamoDB.Region,
				AccessKey: c.DynamoDB.AccessKey,
				SecretKey: c.DynamoDB.SecretKey,
				Endpoint:  c.DynamoDB.Endpoint,
			},
			Registry: reg,
			Indexes:  indexes,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, errors.NewValidationError("backend", fmt.Sprintf("unknown backend %q", c.Backend))
}

// NewFactory builds an unopened factory over the configured backend.
func NewFactory(c *Config, logger *slog.Logger) (*entitydao.Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	master, err := NewMaster(c, logger)
	if err != nil {
		return nil, err
	}
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}

	opts := []entitydao.FactoryOption{
		entitydao.WithName(c.Name),
		entitydao.WithLogger(logger),
		entitydao.WithRegistry(reg),
	}
	if c.Session != "" {
		opts = append(opts, entitydao.WithSession(c.Session))
	}
	return entitydao.NewFactory(master, opts...)
}

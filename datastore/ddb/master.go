/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/registry"
)

const backendName = "dynamodb"

// Options configures a Master.
type Options struct {
	// Table is the single table holding every entity type.
	Table string
	ClientOptions
	// Registry supplies the key templates of each entity type. It defaults to
	// the registry of the bound factory. Types without templates are stored
	// under registry.DefaultIndexMap.
	Registry *registry.Registry
	// Client is used instead of building one from ClientOptions.
	Client Client
	// Indexes lists the secondary indexes queries may use.
	Indexes []GSIConfig
	Logger  *slog.Logger
}

// Master serves the stores of a single DynamoDB table.
type Master struct {
	entitydao.MasterBase
	opts Options

	mu     sync.Mutex
	client Client
	stores map[string]any
}

// NewMaster returns a master for opts. No AWS call is made before Open.
func NewMaster(opts Options) (*Master, error) {
	if opts.Table == "" {
		return nil, errors.NewValidationError("table", "DynamoDB table name is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Master{opts: opts, stores: make(map[string]any)}, nil
}

func (m *Master) Name() string { return backendName }

// Table returns the table name.
func (m *Master) Table() string { return m.opts.Table }

// Open connects the client and checks that the table exists.
func (m *Master) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client := m.opts.Client
	if client == nil {
		c, err := NewClient(ctx, m.opts.ClientOptions)
		if err != nil {
			return errors.NewBackendError(backendName, "open", false, err)
		}
		client = c
	}

	out, err := client.DescribeTable(ctx, &sdk.DescribeTableInput{TableName: aws.String(m.opts.Table)})
	if err != nil {
		return errors.NewBackendError(backendName, "describe table", isRetryableError(err), err)
	}
	if out.Table != nil {
		m.opts.Logger.Info("dynamodb table opened",
			"table", m.opts.Table,
			"status", out.Table.TableStatus,
			"indexes", len(out.Table.GlobalSecondaryIndexes),
		)
	}
	m.client = client
	return nil
}

// Close drops the client. The SDK client holds no resources to release.
func (m *Master) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = nil
	m.stores = make(map[string]any)
	return nil
}

// OpenStore implements entitydao.Master.
func (m *Master) OpenStore(_ context.Context, entityType string, kind key.Kind) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil, errors.NewBackendError(backendName, "open store", false,
			fmt.Errorf("master for table %s is not open", m.opts.Table))
	}
	if s, ok := m.stores[entityType]; ok {
		return s, nil
	}

	cfg := StoreConfig{
		Client:     m.client,
		Table:      m.opts.Table,
		EntityType: entityType,
		IndexMap:   m.registry().IndexMap(entityType),
		Indexes:    m.opts.Indexes,
		Logger:     m.opts.Logger,
	}
	s, err := entitydao.OpenByKind(kind,
		func() (datastore.Store[int32], error) { return NewStore[int32](cfg) },
		func() (datastore.Store[int64], error) { return NewStore[int64](cfg) },
		func() (datastore.Store[string], error) { return NewStore[string](cfg) },
	)
	if err != nil {
		return nil, err
	}
	m.stores[entityType] = s
	return s, nil
}

func (m *Master) registry() *registry.Registry {
	if m.opts.Registry != nil {
		return m.opts.Registry
	}
	if f := m.Factory(); f != nil && f.Registry() != nil {
		return f.Registry()
	}
	return registry.New()
}

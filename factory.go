/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package entitydao

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/event"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/registry"
)

type factoryState int

const (
	stateCreated factoryState = iota
	stateOpening
	stateOpen
	stateClosed
)

// bindMu serializes the check-and-bind of masters to factories.
var bindMu sync.Mutex

// Factory owns the DAOs of a family of entity types served by one Master.
// It must be opened before use; closing it is terminal.
type Factory struct {
	name     string
	master   Master
	registry *registry.Registry
	logger   *slog.Logger
	session  string

	mu        sync.RWMutex
	state     factoryState
	opening   chan struct{} // closed when the running Open attempt ends
	daos      map[string]managedDao
	listeners event.Registry[event.FactoryListener]
}

// managedDao is the key-type independent view of a DAO kept by its factory.
type managedDao interface {
	EntityType() string
	KeyKind() key.Kind
	Stats() DaoStats
	reset()
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithName sets the factory name used in events and logs.
func WithName(name string) FactoryOption {
	return func(f *Factory) {
		f.name = name
	}
}

// WithLogger sets the logger of the factory and its DAOs.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithRegistry makes GetDao apply the schema registered for an entity type.
func WithRegistry(r *registry.Registry) FactoryOption {
	return func(f *Factory) {
		f.registry = r
	}
}

// WithSession sets the lock owner id of the factory's DAOs. Defaults to a random UUID.
func WithSession(id string) FactoryOption {
	return func(f *Factory) {
		if id != "" {
			f.session = id
		}
	}
}

// NewFactory creates a factory bound to master. A master serves one factory
// at a time; a bound master must be released with SetFactory(nil) first.
func NewFactory(master Master, opts ...FactoryOption) (*Factory, error) {
	if master == nil {
		return nil, errors.NewValidationError("master", "master is required")
	}

	f := &Factory{
		name:    master.Name(),
		master:  master,
		logger:  slog.Default(),
		session: uuid.NewString(),
		daos:    make(map[string]managedDao),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("factory", f.name)

	bindMu.Lock()
	defer bindMu.Unlock()
	if master.Factory() != nil {
		return nil, fmt.Errorf("%s master: %w", master.Name(), errors.ErrMasterBound)
	}
	master.SetFactory(f)
	return f, nil
}

// Name returns the factory name.
func (f *Factory) Name() string { return f.name }

// Master returns the master the factory operates against.
func (f *Factory) Master() Master { return f.master }

// Registry returns the schema registry, or nil.
func (f *Factory) Registry() *registry.Registry { return f.registry }

// Session returns the lock owner id used by the factory's DAOs.
func (f *Factory) Session() string { return f.session }

// Logger returns the factory logger.
func (f *Factory) Logger() *slog.Logger { return f.logger }

// Open acquires the master resource. Opening an open factory is a no-op;
// concurrent calls wait for the attempt in progress. The factory stays
// unusable until the master is open.
func (f *Factory) Open(ctx context.Context) error {
	for {
		f.mu.Lock()
		switch f.state {
		case stateClosed:
			f.mu.Unlock()
			return fmt.Errorf("open %s: %w", f.name, errors.ErrFactoryClosed)
		case stateOpen:
			f.mu.Unlock()
			return nil
		case stateOpening:
			done := f.opening
			f.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return fmt.Errorf("open %s: %w", f.name, ctx.Err())
			}
		}
		f.state = stateOpening
		f.opening = make(chan struct{})
		f.mu.Unlock()
		break
	}

	err := f.master.Open(ctx)

	f.mu.Lock()
	closed := f.state == stateClosed
	switch {
	case closed:
	case err != nil:
		f.state = stateCreated
	default:
		f.state = stateOpen
	}
	close(f.opening)
	f.opening = nil
	f.mu.Unlock()

	if err != nil {
		return fmt.Errorf("open %s: %w", f.name, err)
	}
	if closed {
		if cerr := f.master.Close(ctx); cerr != nil {
			f.logger.ErrorContext(ctx, "closing backend failed", "backend", f.master.Name(), "error", cerr)
		}
		return fmt.Errorf("open %s: %w", f.name, errors.ErrFactoryClosed)
	}

	f.logger.InfoContext(ctx, "dao factory opened", "backend", f.master.Name())
	f.fire(ctx, event.FactoryEvent{Kind: event.Opened})
	return nil
}

// Close drops every identity map and releases the master resource. Every DAO
// of the factory fails with errors.ErrFactoryClosed afterwards.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.state == stateClosed {
		f.mu.Unlock()
		return nil
	}
	wasOpen := f.state == stateOpen
	f.state = stateClosed
	daos := make([]managedDao, 0, len(f.daos))
	for _, d := range f.daos {
		daos = append(daos, d)
	}
	f.mu.Unlock()

	for _, d := range daos {
		d.reset()
	}

	var err error
	if wasOpen {
		if err = f.master.Close(ctx); err != nil {
			f.logger.ErrorContext(ctx, "closing backend failed", "backend", f.master.Name(), "error", err)
			err = fmt.Errorf("close %s: %w", f.name, err)
		}
	}
	f.logger.InfoContext(ctx, "dao factory closed", "daos", len(daos))
	f.fire(ctx, event.FactoryEvent{Kind: event.Closed})
	return err
}

// IsOpen reports whether the factory is open.
func (f *Factory) IsOpen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state == stateOpen
}

// IsClosed reports whether the factory was closed.
func (f *Factory) IsClosed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state == stateClosed
}

// AddListener registers l for factory events and returns a function removing it.
func (f *Factory) AddListener(l event.FactoryListener) func() {
	return f.listeners.Add(l)
}

// EntityTypes returns the names of the registered DAOs in sorted order.
func (f *Factory) EntityTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.daos))
	for name := range f.daos {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DaoStats summarizes the identity map of one DAO.
type DaoStats struct {
	EntityType string
	KeyKind    key.Kind
	Loaded     int
	Dirty      int
	Locked     int
}

// Stats returns per DAO identity map statistics ordered by entity type.
func (f *Factory) Stats() []DaoStats {
	f.mu.RLock()
	daos := make([]managedDao, 0, len(f.daos))
	for _, d := range f.daos {
		daos = append(daos, d)
	}
	f.mu.RUnlock()

	stats := make([]DaoStats, 0, len(daos))
	for _, d := range daos {
		stats = append(stats, d.Stats())
	}
	slices.SortFunc(stats, func(a, b DaoStats) int {
		switch {
		case a.EntityType < b.EntityType:
			return -1
		case a.EntityType > b.EntityType:
			return 1
		}
		return 0
	})
	return stats
}

func (f *Factory) checkUsable() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	switch f.state {
	case stateCreated, stateOpening:
		return fmt.Errorf("%s: %w", f.name, errors.ErrFactoryNotOpen)
	case stateClosed:
		return fmt.Errorf("%s: %w", f.name, errors.ErrFactoryClosed)
	}
	return nil
}

func (f *Factory) fire(ctx context.Context, ev event.FactoryEvent) {
	ev.Source = f
	ev.Factory = f.name
	ev.Time = time.Now().UTC()
	event.Deliver(ctx, f.logger, ev.Kind.String(), f.listeners.Snapshot(),
		func(l event.FactoryListener) error { return l.HandleFactoryEvent(ctx, ev) })
}

// GetDao returns the DAO of entityType, creating it through the master on
// first use. Later calls return the same instance; asking for an existing
// type with another key type is a validation error.
func GetDao[K key.Key](ctx context.Context, f *Factory, entityType string, opts ...DaoOption) (*DAO[K], error) {
	if err := f.checkUsable(); err != nil {
		return nil, err
	}
	if d, ok, err := existingDao[K](f, entityType); ok || err != nil {
		return d, err
	}

	store, err := StoreFor[K](ctx, f.master, entityType)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", entityType, err)
	}
	return bindDao(ctx, f, entityType, store, false, opts...)
}

// RegisterDao binds store as the backend of entityType. Unlike GetDao it may
// be called before Open, and fails if the type is already registered.
func RegisterDao[K key.Key](ctx context.Context, f *Factory, entityType string, store datastore.Store[K], opts ...DaoOption) (*DAO[K], error) {
	if store == nil {
		return nil, errors.NewValidationError("store", "store is required")
	}
	if f.IsClosed() {
		return nil, fmt.Errorf("%s: %w", f.name, errors.ErrFactoryClosed)
	}
	return bindDao(ctx, f, entityType, store, true, opts...)
}

func existingDao[K key.Key](f *Factory, entityType string) (*DAO[K], bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	existing, ok := f.daos[entityType]
	if !ok {
		return nil, false, nil
	}
	d, ok := existing.(*DAO[K])
	if !ok {
		return nil, false, errors.NewValidationError("key",
			fmt.Sprintf("entity type %s is keyed by %s, not %s", entityType, existing.KeyKind(), key.KindOf[K]()))
	}
	return d, true, nil
}

func bindDao[K key.Key](ctx context.Context, f *Factory, entityType string, store datastore.Store[K], exclusive bool, opts ...DaoOption) (*DAO[K], error) {
	if entityType == "" {
		return nil, errors.NewValidationError("entityType", "entity type is required")
	}

	cfg := daoConfig{}
	if f.registry != nil {
		if schema, ok := f.registry.Lookup(entityType); ok {
			if schema.Key != key.KindOf[K]() {
				return nil, errors.NewValidationError("key",
					fmt.Sprintf("entity type %s is registered with %s keys", entityType, schema.Key))
			}
			cfg.natural = schema.NaturalKey
			cfg.noCopy = schema.NonCopyable
		}
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	d, err := newDao(f, entityType, store, cfg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	if f.state == stateClosed {
		f.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", f.name, errors.ErrFactoryClosed)
	}
	if existing, ok := f.daos[entityType]; ok {
		f.mu.Unlock()
		if exclusive {
			return nil, errors.NewValidationError("entityType",
				fmt.Sprintf("entity type %s already registered", entityType))
		}
		winner, ok := existing.(*DAO[K])
		if !ok {
			return nil, errors.NewValidationError("key",
				fmt.Sprintf("entity type %s is keyed by %s, not %s", entityType, existing.KeyKind(), key.KindOf[K]()))
		}
		return winner, nil
	}
	f.daos[entityType] = d
	f.mu.Unlock()

	f.logger.DebugContext(ctx, "dao registered", "entityType", entityType, "keyKind", key.KindOf[K]().String())
	f.fire(ctx, event.FactoryEvent{Kind: event.DaoRegistered, EntityType: entityType, KeyKind: key.KindOf[K]()})
	return d, nil
}

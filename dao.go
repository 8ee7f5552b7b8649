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

	"golang.org/x/sync/singleflight"

	"github.com/suparena/entitydao/datastore"
	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/event"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/storagemodels"
)

type daoConfig struct {
	generator any
	natural   bool
	noCopy    []string
}

// DaoOption configures a DAO.
type DaoOption func(*daoConfig)

// WithGenerator sets the key generator of the DAO. Integer keyed DAOs default
// to a Sequence restored from the backend, string keyed DAOs to UUIDs.
func WithGenerator[K key.Key](g key.Generator[K]) DaoOption {
	return func(c *daoConfig) {
		c.generator = g
		c.natural = false
	}
}

// WithNaturalKeys makes Create require a caller supplied key.
func WithNaturalKeys() DaoOption {
	return func(c *daoConfig) {
		c.natural = true
		c.generator = nil
	}
}

// WithNonCopyable lists fields that CopyTo and Refresh leave untouched.
func WithNonCopyable(fields ...string) DaoOption {
	return func(c *daoConfig) {
		c.noCopy = append(slices.Clone(c.noCopy), fields...)
	}
}

type createConfig struct {
	key    any
	hasKey bool
}

// CreateOption configures one Create call.
type CreateOption func(*createConfig)

// WithKey supplies the natural key of a new entity.
func WithKey[K key.Key](k K) CreateOption {
	return func(c *createConfig) {
		c.key = k
		c.hasKey = true
	}
}

// DAO mediates every access to the entities of one type. It keeps an
// identity map so that at most one Object exists per key, and it is safe for
// concurrent use.
type DAO[K key.Key] struct {
	factory    *Factory
	entityType string
	store      datastore.Store[K]
	generator  key.Generator[K]
	noCopy     []string
	logger     *slog.Logger

	mu       sync.Mutex
	identity map[K]*entity.Object[K]
	loads    singleflight.Group

	restoreMu sync.Mutex
	restored  bool

	listeners event.Registry[event.DaoListener[K]]
}

func newDao[K key.Key](f *Factory, entityType string, store datastore.Store[K], cfg daoConfig) (*DAO[K], error) {
	d := &DAO[K]{
		factory:    f,
		entityType: entityType,
		store:      store,
		noCopy:     cfg.noCopy,
		logger:     f.logger.With("entityType", entityType),
		identity:   make(map[K]*entity.Object[K]),
	}

	switch {
	case cfg.natural:
	case cfg.generator != nil:
		g, ok := cfg.generator.(key.Generator[K])
		if !ok {
			return nil, errors.NewValidationError("generator",
				fmt.Sprintf("generator %T does not produce %s keys", cfg.generator, key.KindOf[K]()))
		}
		d.generator = g
	default:
		d.generator = defaultGenerator[K]()
	}
	return d, nil
}

func defaultGenerator[K key.Key]() key.Generator[K] {
	var g any
	switch key.KindOf[K]() {
	case key.KindInt32:
		g = key.NewSequence[int32]()
	case key.KindInt64:
		g = key.NewSequence[int64]()
	default:
		g = key.UUIDGenerator{}
	}
	return g.(key.Generator[K])
}

// EntityType returns the entity type served by the DAO.
func (d *DAO[K]) EntityType() string { return d.entityType }

// KeyKind returns the key type of the entity.
func (d *DAO[K]) KeyKind() key.Kind { return key.KindOf[K]() }

// Factory returns the owning factory.
func (d *DAO[K]) Factory() *Factory { return d.factory }

// Store returns the backend store of the DAO.
func (d *DAO[K]) Store() datastore.Store[K] { return d.store }

// NaturalKeys reports whether Create expects caller supplied keys.
func (d *DAO[K]) NaturalKeys() bool { return d.generator == nil }

// AddListener registers l for the DAO's entity events and returns a function removing it.
func (d *DAO[K]) AddListener(l event.DaoListener[K]) func() {
	return d.listeners.Add(l)
}

// Create inserts a new entity with fields as its clean baseline and returns
// its business object. Generator DAOs assign the key; natural key DAOs need
// WithKey.
func (d *DAO[K]) Create(ctx context.Context, fields map[string]any, opts ...CreateOption) (*entity.Object[K], error) {
	if err := d.factory.checkUsable(); err != nil {
		return nil, err
	}

	cc := createConfig{}
	for _, opt := range opts {
		opt(&cc)
	}

	k, err := d.newKey(ctx, cc)
	if err != nil {
		return nil, err
	}

	rec := entity.NewRecord[K](fields)
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	rec.Key = k

	stored, err := d.store.Insert(ctx, rec)
	if err != nil {
		if errors.IsAlreadyExists(err) && !errors.IsDuplicateKey(err) {
			return nil, errors.NewDuplicateKeyError(d.entityType, key.Format(k))
		}
		return nil, fmt.Errorf("create %s: %w", d.entityType, err)
	}

	obj := d.wrap(stored)
	d.mu.Lock()
	if existing, ok := d.identity[k]; ok {
		obj = existing
	} else {
		d.identity[k] = obj
	}
	d.mu.Unlock()

	d.fire(ctx, event.NewEntityEvent(d, event.Created, d.entityType, k, stored.Version, nil, stored.Fields))
	return obj, nil
}

func (d *DAO[K]) newKey(ctx context.Context, cc createConfig) (K, error) {
	var zero K
	if d.generator == nil {
		if !cc.hasKey {
			return zero, errors.NewValidationError("key",
				fmt.Sprintf("%s uses natural keys; a key is required", d.entityType))
		}
		k, ok := cc.key.(K)
		if !ok {
			return zero, errors.NewValidationError("key",
				fmt.Sprintf("%s keys are %s, got %T", d.entityType, key.KindOf[K](), cc.key))
		}
		if key.KindOf[K]() == key.KindString && key.Format(k) == "" {
			return zero, errors.NewValidationError("key", "empty natural key")
		}
		return k, nil
	}

	if cc.hasKey {
		return zero, errors.NewValidationError("key",
			fmt.Sprintf("%s keys are generated; a natural key is not allowed", d.entityType))
	}
	if err := d.restoreGenerator(ctx); err != nil {
		return zero, err
	}
	k, err := d.generator.NextKey()
	if err != nil {
		return zero, fmt.Errorf("create %s: %w", d.entityType, err)
	}
	return k, nil
}

// restoreGenerator resumes a restorable generator from the highest stored key
// before the first key is handed out. A failed restore is retried on the next
// Create.
func (d *DAO[K]) restoreGenerator(ctx context.Context) error {
	r, ok := d.generator.(key.Restorer[K])
	if !ok {
		return nil
	}

	d.restoreMu.Lock()
	defer d.restoreMu.Unlock()
	if d.restored {
		return nil
	}
	if err := r.Restore(ctx, d.store); err != nil {
		d.logger.WarnContext(ctx, "restoring key generator failed", "error", err)
		return fmt.Errorf("restore %s key generator: %w", d.entityType, err)
	}
	d.restored = true
	return nil
}

// FindByKey returns the object for k, loading it from the backend unless it
// is already in the identity map. Concurrent loads of one key share a single
// backend call.
func (d *DAO[K]) FindByKey(ctx context.Context, k K) (*entity.Object[K], error) {
	if err := d.factory.checkUsable(); err != nil {
		return nil, err
	}
	if obj, ok := d.Lookup(k); ok {
		return obj, nil
	}

	// The shared load outlives any single caller; each caller stops waiting
	// when its own ctx is done.
	ch := d.loads.DoChan(key.Format(k), func() (any, error) {
		if obj, ok := d.Lookup(k); ok {
			return obj, nil
		}
		rec, err := d.store.Load(context.WithoutCancel(ctx), k)
		if err != nil {
			return nil, err
		}
		return d.register(rec), nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("find %s %s: %w", d.entityType, key.Format(k), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("find %s %s: %w", d.entityType, key.Format(k), res.Err)
		}
		return res.Val.(*entity.Object[K]), nil
	}
}

// Lookup returns the object for k only if it is already in the identity map.
func (d *DAO[K]) Lookup(k K) (*entity.Object[K], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.identity[k]
	return obj, ok
}

// Loaded returns the objects in the identity map ordered by key.
func (d *DAO[K]) Loaded() []*entity.Object[K] {
	d.mu.Lock()
	objs := make([]*entity.Object[K], 0, len(d.identity))
	for _, obj := range d.identity {
		objs = append(objs, obj)
	}
	d.mu.Unlock()

	slices.SortFunc(objs, func(a, b *entity.Object[K]) int {
		ka, kb := a.Key(), b.Key()
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
	return objs
}

// Update persists the changes of obj after checking that the stored version
// still matches. On success the version is incremented and obj is clean.
func (d *DAO[K]) Update(ctx context.Context, obj *entity.Object[K]) (*entity.Object[K], error) {
	if err := d.factory.checkUsable(); err != nil {
		return nil, err
	}
	if err := d.checkManaged(obj, "update"); err != nil {
		return nil, err
	}
	if !obj.IsDirty() {
		return nil, fmt.Errorf("update %s %s: %w", d.entityType, key.Format(obj.Key()), errors.ErrNotDirty)
	}

	before := obj.Snapshot()
	rec := obj.Record()
	stored, err := d.store.Update(ctx, rec, rec.Version, d.factory.session)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", d.entityType, key.Format(rec.Key), err)
	}
	obj.Commit(stored.Version, stored.UpdatedAt)

	d.fire(ctx, event.NewEntityEvent(d, event.Updated, d.entityType, rec.Key, stored.Version, before, rec.Fields))
	return obj, nil
}

// Delete removes obj from the backend and the identity map. Deleting twice
// fails with errors.ErrEntityDeleted.
func (d *DAO[K]) Delete(ctx context.Context, obj *entity.Object[K]) error {
	if err := d.factory.checkUsable(); err != nil {
		return err
	}
	if err := d.checkManaged(obj, "delete"); err != nil {
		return err
	}

	k, version := obj.Key(), obj.Version()
	if err := d.store.Delete(ctx, k, version, d.factory.session); err != nil {
		return fmt.Errorf("delete %s %s: %w", d.entityType, key.Format(k), err)
	}

	before := obj.Snapshot()
	d.evict(k, obj)
	obj.MarkDeleted()

	d.fire(ctx, event.NewEntityEvent(d, event.Deleted, d.entityType, k, version, before, nil))
	return nil
}

// AcquireLock tries to take the lock on obj for this factory's session.
// It returns entity.LockAcquired on success and entity.Locked together with
// errors.ErrAlreadyLocked when another session holds it. A version mismatch
// fails with errors.ErrStaleEntity and leaves obj unchanged.
func (d *DAO[K]) AcquireLock(ctx context.Context, obj *entity.Object[K]) (entity.LockState, error) {
	if err := d.factory.checkUsable(); err != nil {
		return entity.Unlocked, err
	}
	if err := d.checkManaged(obj, "lock"); err != nil {
		if obj == nil {
			return entity.Unlocked, err
		}
		return obj.LockState(), err
	}

	k := obj.Key()
	err := d.store.Lock(ctx, k, obj.Version(), d.factory.session)
	switch {
	case err == nil:
		obj.SetLockState(entity.LockAcquired)
		return entity.LockAcquired, nil
	case errors.IsAlreadyLocked(err):
		obj.SetLockState(entity.Locked)
		return entity.Locked, fmt.Errorf("lock %s %s: %w", d.entityType, key.Format(k), err)
	default:
		return obj.LockState(), fmt.Errorf("lock %s %s: %w", d.entityType, key.Format(k), err)
	}
}

// ReleaseLock returns obj to entity.Unlocked. The stored lock is only cleared
// when this session holds it. Releasing an unlocked object is a no-op.
func (d *DAO[K]) ReleaseLock(ctx context.Context, obj *entity.Object[K]) error {
	if err := d.factory.checkUsable(); err != nil {
		return err
	}
	if obj == nil || obj.IsDeleted() || obj.LockState() == entity.Unlocked {
		return nil
	}

	k := obj.Key()
	if err := d.store.Unlock(ctx, k, d.factory.session); err != nil {
		return fmt.Errorf("unlock %s %s: %w", d.entityType, key.Format(k), err)
	}
	obj.SetLockState(entity.Unlocked)
	return nil
}

// Refresh reloads obj from the backend, overwriting local changes of every
// copyable field. Local changes to non-copyable fields are kept and leave obj
// dirty; otherwise obj is clean afterwards.
func (d *DAO[K]) Refresh(ctx context.Context, obj *entity.Object[K]) error {
	if err := d.factory.checkUsable(); err != nil {
		return err
	}
	if err := d.checkManaged(obj, "refresh"); err != nil {
		return err
	}

	k := obj.Key()
	rec, err := d.store.Load(ctx, k)
	if err != nil {
		return fmt.Errorf("refresh %s %s: %w", d.entityType, key.Format(k), err)
	}
	if err := d.wrap(rec).CopyToContext(ctx, obj); err != nil {
		return err
	}
	obj.Reloaded(rec.Version, rec.UpdatedAt, rec.Fields)

	switch {
	case rec.Lock == entity.Unlocked:
		obj.SetLockState(entity.Unlocked)
	case obj.LockState() == entity.Unlocked:
		obj.SetLockState(entity.Locked)
	}
	return nil
}

// Detach handles an entity removed by someone else: the object for k is
// marked deleted, evicted and a remote Deleted event is fired. It reports
// whether k was loaded.
func (d *DAO[K]) Detach(ctx context.Context, k K) bool {
	d.mu.Lock()
	obj, ok := d.identity[k]
	if ok {
		delete(d.identity, k)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	before := obj.Snapshot()
	version := obj.Version()
	obj.MarkDeleted()

	ev := event.NewEntityEvent(d, event.Deleted, d.entityType, k, version, before, nil)
	ev.Remote = true
	d.fire(ctx, ev)
	return true
}

// Query streams the objects matching crit. Every record is resolved against
// the identity map, so an already loaded entity is returned as the same
// instance with its local state. The channel is closed when the results end,
// after an error item, or when ctx is done.
func (d *DAO[K]) Query(ctx context.Context, crit storagemodels.Criteria, opts ...storagemodels.StreamOption) <-chan storagemodels.StreamResult[*entity.Object[K]] {
	options := storagemodels.ApplyStreamOptions(opts...)
	out := make(chan storagemodels.StreamResult[*entity.Object[K]], options.BufferSize)

	if err := d.factory.checkUsable(); err != nil {
		out <- storagemodels.StreamResult[*entity.Object[K]]{Error: err}
		close(out)
		return out
	}

	src := d.store.Query(ctx, crit, opts...)
	go func() {
		defer close(out)
		for r := range src {
			res := storagemodels.StreamResult[*entity.Object[K]]{Error: r.Error, Meta: r.Meta}
			if r.Error == nil && r.Item != nil {
				res.Item = d.register(r.Item)
			}
			select {
			case <-ctx.Done():
				return
			case out <- res:
			}
		}
	}()
	return out
}

// Stats summarizes the identity map.
func (d *DAO[K]) Stats() DaoStats {
	s := DaoStats{EntityType: d.entityType, KeyKind: d.KeyKind()}
	for _, obj := range d.Loaded() {
		s.Loaded++
		if obj.IsDirty() {
			s.Dirty++
		}
		if obj.LockState() != entity.Unlocked {
			s.Locked++
		}
	}
	return s
}

func (d *DAO[K]) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identity = make(map[K]*entity.Object[K])
}

func (d *DAO[K]) wrap(rec *entity.Record[K]) *entity.Object[K] {
	return entity.New(d.entityType, rec,
		entity.WithNonCopyable(d.noCopy...),
		entity.WithLogger(d.logger))
}

// register adds the object for rec to the identity map unless one exists,
// and returns the registered instance.
func (d *DAO[K]) register(rec *entity.Record[K]) *entity.Object[K] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if obj, ok := d.identity[rec.Key]; ok {
		return obj
	}
	obj := d.wrap(rec)
	d.identity[rec.Key] = obj
	return obj
}

func (d *DAO[K]) evict(k K, obj *entity.Object[K]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.identity[k] == obj {
		delete(d.identity, k)
	}
}

func (d *DAO[K]) checkManaged(obj *entity.Object[K], op string) error {
	if obj == nil {
		return errors.NewValidationError("object", "object is required")
	}
	k := obj.Key()
	if obj.IsDeleted() {
		return fmt.Errorf("%s %s %s: %w", op, d.entityType, key.Format(k), errors.ErrEntityDeleted)
	}
	if obj.EntityType() != d.entityType {
		return errors.NewValidationError("object",
			fmt.Sprintf("%s object passed to the %s dao", obj.EntityType(), d.entityType))
	}
	if current, ok := d.Lookup(k); !ok || current != obj {
		return errors.NewValidationError("object",
			fmt.Sprintf("%s %s is not managed by this dao", d.entityType, key.Format(k)))
	}
	return nil
}

func (d *DAO[K]) fire(ctx context.Context, ev event.EntityEvent[K]) {
	event.Deliver(ctx, d.logger, ev.Kind.String()+" "+d.entityType, d.listeners.Snapshot(),
		func(l event.DaoListener[K]) error { return l.HandleEntityEvent(ctx, ev) })
}

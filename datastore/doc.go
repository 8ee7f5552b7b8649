/*
Package datastore defines the contract between the DAO layer and a storage
backend.

Store[K] persists the records of one entity type with an optimistic version
check and a stored lock owner:

	type Store[K key.Key] interface {
	    QueryExecutor[K]
	    key.Probe[K]
	    EntityType() string
	    Load(ctx context.Context, k K) (*entity.Record[K], error)
	    Insert(ctx context.Context, rec *entity.Record[K]) (*entity.Record[K], error)
	    Update(ctx context.Context, rec *entity.Record[K], expected int64, owner string) (*entity.Record[K], error)
	    Delete(ctx context.Context, k K, expected int64, owner string) error
	    Lock(ctx context.Context, k K, expected int64, owner string) error
	    Unlock(ctx context.Context, k K, owner string) error
	}

Implementations:
  - memory: in-process maps with fault injection, for tests and caches
  - file: one serialized document per key in a directory
  - sqlstore: one sqlite table per entity type
  - ddb: DynamoDB single-table design

Every implementation maps its native failures onto the errors package so the
DAO layer behaves the same over all of them.
*/
package datastore

/*
Package errors provides semantic error types for the entitydao library.

Every backend maps its native failures onto the same taxonomy so application
code can react without knowing which store it talks to:

	var (
	    ErrNotFound           = errors.New("entity not found")
	    ErrDuplicateKey       = errors.New("duplicate key")
	    ErrStaleEntity        = errors.New("stale entity")
	    ErrAlreadyLocked      = errors.New("entity already locked")
	    ErrEntityDeleted      = errors.New("entity deleted")
	    ErrExhaustedKeySpace  = errors.New("key space exhausted")
	    ErrBackendUnavailable = errors.New("backend unavailable")
	    ErrFactoryClosed      = errors.New("dao factory closed")
	)

Usage:

	company, err := dao.FindByKey(ctx, 42)
	if err != nil {
	    if errors.IsNotFound(err) {
	        return nil, fmt.Errorf("company %d does not exist", 42)
	    }
	    return nil, err
	}

	if _, err := dao.Update(ctx, company); errors.IsStaleEntity(err) {
	    // reload and reapply
	}

NotFound, StaleEntity and AlreadyLocked are recoverable by the caller.
EntityDeleted is terminal for one business object, ExhaustedKeySpace for one
generator and FactoryClosed for every DAO of a factory. BackendError carries
the backend's own transient/permanent classification. The library never
retries on its own.
*/
package errors

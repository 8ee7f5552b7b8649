/*
Package entitydao is a backend agnostic persistence layer that keeps business
objects apart from the records a store reads and writes.

An entity.Object (the business object) owns exactly one entity.Record (the
transfer object) and tracks whether it is dirty, deleted or locked. A DAO
mediates every access to one entity type: it keeps an identity map so that at
most one Object exists per key, checks the stored version on every write and
fires events to its listeners. A Factory groups the DAOs served by one Master,
the backend resource (memory, a directory, sqlite or DynamoDB).

Basic Usage:

	master := memory.New()
	factory, err := entitydao.NewFactory(master)
	if err != nil {
	    return err
	}
	if err := factory.Open(ctx); err != nil {
	    return err
	}
	defer factory.Close(ctx)

	companies, err := entitydao.GetDao[int64](ctx, factory, "Company")
	acme, err := companies.Create(ctx, map[string]any{"name": "Acme"})

	_ = acme.SetField("city", "Oslo")
	if _, err := companies.Update(ctx, acme); errors.IsStaleEntity(err) {
	    // reload and reapply
	}

	for r := range companies.Query(ctx, storagemodels.Where(map[string]any{"city": "Oslo"})) {
	    if r.Error != nil {
	        return r.Error
	    }
	    fmt.Println(r.Item.Key())
	}

Listener failures never fail an operation. They are logged and, when the
caller asked for them, collected on the context:

	ctx, warnings := event.CollectWarnings(ctx)
	_, err = companies.Update(ctx, acme)
	if warnings.Len() > 0 { ... }
*/
package entitydao

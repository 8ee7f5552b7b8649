/*
Package ddb provides a DynamoDB backend for entitydao.

Every entity type lives in one shared table. An item carries:
  - PK and SK, expanded from the type's key templates (only {key} is allowed)
  - EntityType, Key, Version and LockOwner
  - Fields, a map holding the persistent fields
  - CreatedAt and UpdatedAt
  - secondary index attributes such as GSI1PK, expanded from fields

Key templates come from the registry:

	reg.MustRegister(registry.Schema{
	    Name: "Company",
	    Key:  key.KindInt64,
	    IndexMap: map[string]string{
	        "PK":     "COMPANY#{key}",  // Becomes "COMPANY#42"
	        "SK":     "COMPANY#{key}",
	        "GSI1PK": "CITY#{city}",    // Field value, omitted when missing
	        "GSI1SK": "COMPANY#{key}",
	    },
	})

Writes are conditional. Update, Delete and Lock require the expected version
and either no lock or a lock held by the caller's session. The old image
returned with a failed condition tells a stale version apart from a foreign
lock.

Streaming:
Queries run on a secondary index when its partition template is covered by
the criteria's equality fields, and as a filtered Scan otherwise:

	results := dao.Query(ctx, storagemodels.Where(map[string]any{"city": "Oslo"}),
	    storagemodels.WithPageSize(25),
	    storagemodels.WithMaxRetries(3),
	    storagemodels.WithProgressHandler(func(p storagemodels.StreamProgress) {
	        log.Printf("Processed %d items", p.ItemsProcessed)
	    }),
	)

Throttling and internal server errors are retried with linear backoff.

Change streams:
ChangeHandler and Router apply the table's DynamoDB stream to loaded
objects, refreshing or detaching them when another process writes:

	router := ddb.NewRouter(logger)
	router.Handle("Company", ddb.NewChangeHandler(companies, logger))
	lambda.Start(router.HandleEvent)
*/
package ddb

/*
Package storagemodels defines the query and streaming types shared by the DAO
layer and every backend.

Criteria:
Selects records of one entity type:

	crit := storagemodels.Criteria{
	    Where: map[string]any{"city": "Oslo"},
	    Spec:  storagemodels.NotSpec{Spec: storagemodels.FieldEquals("status", "closed")},
	    Limit: 50,
	}

Where is pushed down to the backend when it can evaluate it (sqlite
json_extract, DynamoDB filter expressions); Spec always runs in process.

StreamResult:
Results from streaming operations with metadata:

	type StreamResult[T any] struct {
	    Item  T          // The resolved item
	    Error error      // Item-specific error, if any
	    Meta  StreamMeta // Metadata about this item
	}

StreamOptions:
Configuration for streaming behavior:

	opts := []StreamOption{
	    WithBufferSize(100),
	    WithPageSize(25),
	    WithMaxRetries(3),
	    WithProgressHandler(progressFunc),
	}
*/
package storagemodels

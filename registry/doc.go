/*
Package registry keeps the schema of every entity type a factory serves.

A schema names the key kind, whether keys are natural (caller supplied) or
generated, the fields that must never be copied between objects, and the
DynamoDB key templates used by the single-table backend:

	reg := registry.New()
	reg.MustRegister(registry.Schema{
	    Name: "Company",
	    Key:  key.KindInt64,
	    IndexMap: map[string]string{
	        "PK":     "COMPANY#{key}",
	        "SK":     "COMPANY#{key}",
	        "GSI1PK": "CITY#{city}",
	    },
	})

Templates expand {key} to the formatted entity key and any other {name} to
the value of that field. Registries are explicit values; there is no package
level state.
*/
package registry

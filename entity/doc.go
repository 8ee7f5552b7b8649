// Package entity holds the two halves of a persisted entity: Record, the flat
// transfer object a backend reads and writes, and Object, the business object
// that owns one Record and tracks dirty, deleted and lock state for it.
//
//	o := entity.New("Company", rec)
//	_ = o.SetField("name", "Acme")
//	if o.IsDirty() {
//	    _, err = dao.Update(ctx, o)
//	}
//
// Values coming back from text based stores decode numbers as float64; use
// Get to read them as the numeric type the application expects.
package entity

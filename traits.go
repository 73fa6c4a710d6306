package rollbackz

// Cloner is implemented by element types that can produce a deep copy of
// themselves. A backup taken from a Cloner does not share slices, maps or
// pointers with the element, so the mutator cannot reach the saved value.
//
// Example:
//
//	type Account struct {
//	    ID     string
//	    Limits map[string]int
//	}
//
//	func (a Account) Clone() Account {
//	    limits := make(map[string]int, len(a.Limits))
//	    for k, v := range a.Limits {
//	        limits[k] = v
//	    }
//	    return Account{ID: a.ID, Limits: limits}
//	}
type Cloner[E any] interface {
	Clone() E
}

// TryCloner is implemented by element types whose copy can fail, for
// example because copying requires an allocation from a bounded pool.
// A failed TryClone leaves that one element without a backup.
type TryCloner[E any] interface {
	TryClone() (E, error)
}

// Assigner is implemented by *E when writing a saved value back into an
// element is more than a plain assignment and may fail.
type Assigner[E any] interface {
	Assign(E) error
}

// Traits supplies the two element capabilities the engine needs to take and
// replay backups. Either field may be nil, in which case the default from
// DefaultTraits is used.
type Traits[E any] struct {
	// Copy returns an independent copy of the element. Errors and panics
	// are treated as backup failures and never fail the transform.
	Copy func(E) (E, error)

	// Assign writes src into dst during rollback. Errors and panics abandon
	// that single restore; the remaining entries are still restored.
	Assign func(dst *E, src E) error
}

// DefaultTraits returns traits that copy through TryCloner or Cloner when the
// element type implements them and that assign through Assigner when *E
// implements it, falling back to a plain assignment.
//
// Other element types are copied by value when they hold no slices, maps,
// pointers or interfaces. When they do, the copy follows those references
// through exported fields so the backup shares nothing with the element.
// A type that hides such references in unexported fields cannot be copied
// this way; its copy fails with ErrShallowCopy, which leaves the element
// unprotected rather than backed up by an alias. Implement Cloner for such
// types.
func DefaultTraits[E any]() Traits[E] {
	return Traits[E]{
		Copy:   defaultCopy[E],
		Assign: defaultAssign[E],
	}
}

func defaultCopy[E any](e E) (E, error) {
	switch c := any(e).(type) {
	case TryCloner[E]:
		return c.TryClone()
	case Cloner[E]:
		return c.Clone(), nil
	}
	return deepCopyValue(e)
}

func defaultAssign[E any](dst *E, src E) error {
	if a, ok := any(dst).(Assigner[E]); ok {
		return a.Assign(src)
	}
	*dst = src
	return nil
}

// withDefaults fills any nil capability with its default.
func (t Traits[E]) withDefaults() Traits[E] {
	if t.Copy == nil {
		t.Copy = defaultCopy[E]
	}
	if t.Assign == nil {
		t.Assign = defaultAssign[E]
	}
	return t
}

package rollbackz

// guard runs fn and converts a panic into a *PanicError so that every
// capability failure travels the same error path.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}

package rollbackz

import (
	"fmt"
	"reflect"
	"sync"
	"time"
)

var (
	// sharesCache stores whether a type can reach storage that a plain
	// assignment does not duplicate.
	sharesCache = make(map[reflect.Type]bool)
	// sharesMu protects concurrent access to sharesCache.
	sharesMu sync.RWMutex

	timeType = reflect.TypeFor[time.Time]()
)

// sharesStorage reports whether values of typ hold slices, maps, pointers
// or interfaces, directly or through arrays and struct fields. The result is
// cached per type. Channels and funcs are treated as values.
func sharesStorage(typ reflect.Type) bool {
	sharesMu.RLock()
	if shares, ok := sharesCache[typ]; ok {
		sharesMu.RUnlock()
		return shares
	}
	sharesMu.RUnlock()

	shares := computeShares(typ)

	sharesMu.Lock()
	defer sharesMu.Unlock()
	sharesCache[typ] = shares
	return shares
}

func computeShares(typ reflect.Type) bool {
	// time.Time keeps an unexported *Location that is never written through.
	if typ == timeType {
		return false
	}
	switch typ.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer, reflect.Interface, reflect.UnsafePointer:
		return true
	case reflect.Array:
		return typ.Len() > 0 && computeShares(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if computeShares(typ.Field(i).Type) {
				return true
			}
		}
	}
	return false
}

// deepCopyValue returns a copy of e that shares no slices, maps or pointers
// with it. Types that share storage through unexported fields cannot be
// copied this way and yield ErrShallowCopy.
func deepCopyValue[E any](e E) (E, error) {
	src := reflect.ValueOf(&e).Elem()
	if !sharesStorage(src.Type()) {
		return e, nil
	}
	dst, err := deepCopy(src, make(map[visit]reflect.Value))
	if err != nil {
		var zero E
		return zero, err
	}
	var out E
	reflect.ValueOf(&out).Elem().Set(dst)
	return out, nil
}

// visit identifies a pointer already copied, so shared and cyclic pointers
// keep their shape in the copy.
type visit struct {
	typ reflect.Type
	ptr uintptr
}

func deepCopy(src reflect.Value, seen map[visit]reflect.Value) (reflect.Value, error) {
	typ := src.Type()
	if !sharesStorage(typ) {
		return src, nil
	}

	switch src.Kind() {
	case reflect.Pointer:
		if src.IsNil() {
			return reflect.Zero(typ), nil
		}
		key := visit{typ: typ, ptr: src.Pointer()}
		if dst, ok := seen[key]; ok {
			return dst, nil
		}
		dst := reflect.New(typ.Elem())
		seen[key] = dst
		elem, err := deepCopy(src.Elem(), seen)
		if err != nil {
			return reflect.Value{}, err
		}
		dst.Elem().Set(elem)
		return dst, nil

	case reflect.Slice:
		if src.IsNil() {
			return reflect.Zero(typ), nil
		}
		dst := reflect.MakeSlice(typ, src.Len(), src.Len())
		if !sharesStorage(typ.Elem()) {
			reflect.Copy(dst, src)
			return dst, nil
		}
		for i := 0; i < src.Len(); i++ {
			elem, err := deepCopy(src.Index(i), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			dst.Index(i).Set(elem)
		}
		return dst, nil

	case reflect.Array:
		dst := reflect.New(typ).Elem()
		for i := 0; i < src.Len(); i++ {
			elem, err := deepCopy(src.Index(i), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			dst.Index(i).Set(elem)
		}
		return dst, nil

	case reflect.Map:
		if src.IsNil() {
			return reflect.Zero(typ), nil
		}
		// Keys keep their identity; only values are copied.
		dst := reflect.MakeMapWithSize(typ, src.Len())
		iter := src.MapRange()
		for iter.Next() {
			val, err := deepCopy(iter.Value(), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			dst.SetMapIndex(iter.Key(), val)
		}
		return dst, nil

	case reflect.Interface:
		if src.IsNil() {
			return reflect.Zero(typ), nil
		}
		inner, err := deepCopy(src.Elem(), seen)
		if err != nil {
			return reflect.Value{}, err
		}
		dst := reflect.New(typ).Elem()
		dst.Set(inner)
		return dst, nil

	case reflect.Struct:
		dst := reflect.New(typ).Elem()
		dst.Set(src)
		for i := 0; i < typ.NumField(); i++ {
			field := typ.Field(i)
			if !sharesStorage(field.Type) {
				continue
			}
			if !field.IsExported() {
				return reflect.Value{}, fmt.Errorf("%w: %s.%s is unexported", ErrShallowCopy, typ, field.Name)
			}
			val, err := deepCopy(src.Field(i), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			dst.Field(i).Set(val)
		}
		return dst, nil
	}

	return reflect.Value{}, fmt.Errorf("%w: %s", ErrShallowCopy, typ)
}

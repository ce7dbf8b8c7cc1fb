package layering

import "reflect"

// Merge combines layers ordered from strongest to weakest. Maps are merged key
// by key (recursively for nested maps) and a key present in a stronger map
// always wins, even when its value is zero. Struct fields and pointers are
// followed; a zero field falls back to the weaker layer. The inputs are never
// mutated.
func Merge[T any](layers ...T) T {
	var zero T
	if len(layers) == 0 {
		return zero
	}

	merged := reflect.ValueOf(&layers[len(layers)-1]).Elem()
	merged = cloneValue(merged)
	for i := len(layers) - 2; i >= 0; i-- {
		merged = mergeValue(reflect.ValueOf(&layers[i]).Elem(), merged)
	}

	out := reflect.New(reflect.TypeOf(&zero).Elem()).Elem()
	if merged.IsValid() {
		out.Set(merged)
	}
	return out.Interface().(T)
}

func mergeValue(strong, weak reflect.Value) reflect.Value {
	if !strong.IsValid() {
		return cloneValue(weak)
	}
	if !weak.IsValid() {
		return cloneValue(strong)
	}

	switch strong.Kind() {
	case reflect.Interface:
		if strong.IsNil() {
			return cloneValue(weak)
		}
		inner := strong.Elem()
		var weakInner reflect.Value
		if weak.Kind() == reflect.Interface && !weak.IsNil() {
			weakInner = weak.Elem()
		}
		if weakInner.IsValid() && weakInner.Type() != inner.Type() {
			weakInner = reflect.Value{}
		}
		out := reflect.New(strong.Type()).Elem()
		out.Set(mergeValue(inner, weakInner))
		return out
	case reflect.Pointer:
		if strong.IsNil() {
			return cloneValue(weak)
		}
		var weakElem reflect.Value
		if !weak.IsNil() {
			weakElem = weak.Elem()
		}
		out := reflect.New(strong.Type().Elem())
		out.Elem().Set(mergeValue(strong.Elem(), weakElem))
		return out
	case reflect.Map:
		if strong.IsNil() {
			return cloneValue(weak)
		}
		out := reflect.MakeMapWithSize(strong.Type(), strong.Len()+weak.Len())
		if !weak.IsNil() {
			iter := weak.MapRange()
			for iter.Next() {
				out.SetMapIndex(iter.Key(), cloneValue(iter.Value()))
			}
		}
		iter := strong.MapRange()
		for iter.Next() {
			if existing := out.MapIndex(iter.Key()); existing.IsValid() {
				out.SetMapIndex(iter.Key(), mergeEntry(iter.Value(), existing))
				continue
			}
			out.SetMapIndex(iter.Key(), cloneValue(iter.Value()))
		}
		return out
	case reflect.Struct:
		if !hasExportedFields(strong.Type()) {
			if strong.IsZero() {
				return cloneValue(weak)
			}
			return cloneValue(strong)
		}
		out := reflect.New(strong.Type()).Elem()
		for i := 0; i < strong.NumField(); i++ {
			field := out.Field(i)
			if !field.CanSet() {
				continue
			}
			field.Set(mergeValue(strong.Field(i), weak.Field(i)))
		}
		return out
	default:
		if strong.IsZero() {
			return cloneValue(weak)
		}
		return cloneValue(strong)
	}
}

// mergeEntry resolves a key present in both maps. Only nested maps are merged;
// any other stronger value replaces the weaker one.
func mergeEntry(strong, weak reflect.Value) reflect.Value {
	s, w := unwrap(strong), unwrap(weak)
	if s.IsValid() && w.IsValid() && s.Kind() == reflect.Map && w.Kind() == reflect.Map && s.Type() == w.Type() {
		out := reflect.New(strong.Type()).Elem()
		out.Set(mergeValue(s, w))
		return out
	}
	return cloneValue(strong)
}

func unwrap(v reflect.Value) reflect.Value {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

package environ

import (
	"fmt"
	"reflect"
)

// Key identifies a capability of type T. Two keys are the same capability when
// both the name and the type match, so Key[Clock]("clock") and
// Key[*Clock]("clock") never collide.
type Key[T any] struct {
	name string
}

// NewKey returns the capability key for name and type T.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the key's name.
func (k Key[T]) Name() string {
	return k.name
}

// Type returns the Go type bound under the key.
func (k Key[T]) Type() reflect.Type {
	return reflect.TypeFor[T]()
}

// ID returns a printable identifier, e.g. "clock(*time.Location)".
func (k Key[T]) ID() string {
	return keyID(k.name, k.Type())
}

func (k Key[T]) slot() slot {
	return slot{name: k.name, typ: k.Type()}
}

// slot is the comparable form of a key used for map lookups. reflect.Type
// identity keeps same-named types from different packages apart.
type slot struct {
	name string
	typ  reflect.Type
}

func (s slot) String() string {
	return keyID(s.name, s.typ)
}

func (k Key[T]) String() string {
	return k.ID()
}

func keyID(name string, t reflect.Type) string {
	return fmt.Sprintf("%s(%s)", name, typeName(t))
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

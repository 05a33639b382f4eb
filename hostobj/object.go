// Package hostobj is a small model of a reference-counted host runtime object
// system. It provides just enough of one for native protobuf descriptors to be
// exposed as host objects: objects with an explicit reference count, type
// objects that may themselves be reference counted, and a uniform
// deallocation routine.
//
// Reference counts are not atomic. All objects that belong to one interpreter
// must only be touched while holding that interpreter's execution lock.
package hostobj

import (
	"fmt"
)

// Flags describe properties of a Type.
type Flags uint32

const (
	// FlagHeapType marks a type that was created dynamically. Heap types are
	// themselves reference counted, and every live instance holds a reference
	// to its type.
	FlagHeapType Flags = 1 << iota
	// FlagBaseType marks a type that may be used as a base for other types.
	FlagBaseType
)

// Object is a host runtime object.
type Object interface {
	// Type returns the object's type.
	Type() *Type
	// IncRef acquires a new reference to the object.
	IncRef()
	// DecRef releases a reference. When the last reference is released, the
	// type's Dealloc slot runs.
	DecRef()
	// RefCount returns the number of outstanding references.
	RefCount() int64

	header() *Base
}

// Base is the header embedded in every concrete host object. A struct that
// embeds Base and calls Init implements Object.
type Base struct {
	typ  *Type
	self Object
	refs int64
	dead bool
}

// Init initializes the header. The object starts with a single reference,
// owned by the caller. If typ is a heap type, a reference to it is acquired
// and later released by Dealloc.
func (b *Base) Init(self Object, typ *Type) {
	if typ == nil {
		panic("hostobj: object initialized with nil type")
	}
	if self.header() != b {
		panic("hostobj: self does not embed this header")
	}
	b.typ = typ
	b.self = self
	b.refs = 1
	if typ.flags&FlagHeapType != 0 {
		typ.IncRef()
	}
}

func (b *Base) header() *Base {
	return b
}

// Type implements Object.
func (b *Base) Type() *Type {
	return b.typ
}

// RefCount implements Object.
func (b *Base) RefCount() int64 {
	return b.refs
}

// IncRef implements Object.
func (b *Base) IncRef() {
	if b.dead || b.refs <= 0 {
		panic(fmt.Sprintf("hostobj: IncRef of released %s object", b.typeName()))
	}
	b.refs++
}

// DecRef implements Object.
func (b *Base) DecRef() {
	if b.dead || b.refs <= 0 {
		panic(fmt.Sprintf("hostobj: DecRef of released %s object", b.typeName()))
	}
	b.refs--
	if b.refs > 0 {
		return
	}
	b.dead = true
	if b.typ.dealloc != nil {
		b.typ.dealloc(b.self)
	} else {
		Dealloc(b.self)
	}
}

// Released reports whether the object's last reference has been released.
func (b *Base) Released() bool {
	return b.dead
}

func (b *Base) typeName() string {
	if b.typ == nil {
		return "uninitialized"
	}
	return b.typ.name
}

// NewRef acquires a new reference to obj and returns it.
func NewRef[T Object](obj T) T {
	obj.IncRef()
	return obj
}

// Dealloc is the standard deallocation routine, usable as the Dealloc slot of
// any type or as the final step of a custom one. It runs the type's Free slot
// and then, if the type is a heap type, releases the reference that the
// instance held on its type.
func Dealloc(obj Object) {
	typ := obj.Type()
	if typ.free != nil {
		typ.free(obj)
	}
	h := obj.header()
	h.self = nil
	if typ.flags&FlagHeapType != 0 {
		typ.DecRef()
	}
}

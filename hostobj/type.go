package hostobj

import "fmt"

// TypeSpec describes a type to create with NewType.
type TypeSpec struct {
	// Name is the fully-qualified type name, such as
	// "google.protobuf.pyext._message.FieldDescriptor".
	Name string
	// Flags for the new type. NewType always adds FlagHeapType.
	Flags Flags
	// Dealloc runs when an instance's last reference is released. It is
	// expected to end by calling the package-level Dealloc. If nil, Dealloc
	// is used directly.
	Dealloc func(Object)
	// Free releases an instance's storage. Optional.
	Free func(Object)
}

// Type is a host type object.
type Type struct {
	name    string
	flags   Flags
	dealloc func(Object)
	free    func(Object)
	refs    int64
}

// NewType creates a heap type from spec. The returned type has one reference,
// owned by the caller.
func NewType(spec TypeSpec) *Type {
	return &Type{
		name:    spec.Name,
		flags:   spec.Flags | FlagHeapType,
		dealloc: spec.Dealloc,
		free:    spec.Free,
		refs:    1,
	}
}

// NewStaticType creates a type that is not reference counted. Instances of a
// static type do not hold references to it.
func NewStaticType(spec TypeSpec) *Type {
	return &Type{
		name:    spec.Name,
		flags:   spec.Flags &^ FlagHeapType,
		dealloc: spec.Dealloc,
		free:    spec.Free,
	}
}

// Name returns the fully-qualified name of the type.
func (t *Type) Name() string {
	return t.name
}

// Flags returns the type's flags.
func (t *Type) Flags() Flags {
	return t.flags
}

// IsHeapType reports whether t is reference counted.
func (t *Type) IsHeapType() bool {
	return t.flags&FlagHeapType != 0
}

// RefCount returns the number of references to a heap type. Static types
// always report zero.
func (t *Type) RefCount() int64 {
	return t.refs
}

// IncRef acquires a reference to a heap type. It is a no-op for static types.
func (t *Type) IncRef() {
	if !t.IsHeapType() {
		return
	}
	if t.refs <= 0 {
		panic(fmt.Sprintf("hostobj: IncRef of released type %s", t.name))
	}
	t.refs++
}

// DecRef releases a reference to a heap type. It is a no-op for static types.
func (t *Type) DecRef() {
	if !t.IsHeapType() {
		return
	}
	if t.refs <= 0 {
		panic(fmt.Sprintf("hostobj: DecRef of released type %s", t.name))
	}
	t.refs--
}

func (t *Type) String() string {
	return t.name
}

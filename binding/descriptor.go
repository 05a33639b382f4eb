package binding

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/jhump/protobind/hostobj"
)

// Kind identifies the kind of native object a wrapper represents.
type Kind int

const (
	KindFieldDescriptor Kind = iota + 1
	KindFileDescriptor
	KindDescriptorPool
)

func (k Kind) String() string {
	switch k {
	case KindFieldDescriptor:
		return "FieldDescriptor"
	case KindFileDescriptor:
		return "FileDescriptor"
	case KindDescriptorPool:
		return "DescriptorPool"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// AnyDescriptor is implemented by every descriptor wrapper.
type AnyDescriptor interface {
	hostobj.Object
	// Kind returns the wrapper's kind tag.
	Kind() Kind
	// Def returns the wrapped native descriptor.
	Def() protoreflect.Descriptor
	// Pool returns a new reference to the pool that owns the descriptor.
	Pool() *DescriptorPool
}

// descriptorBase is the common part of all descriptor wrappers.
type descriptorBase struct {
	hostobj.Base
	state *ModuleState
	kind  Kind
	def   protoreflect.Descriptor
	// pool is a strong reference, which keeps the descriptor's store open
	// for as long as the wrapper is alive.
	pool       *DescriptorPool
	registered bool
}

func (d *descriptorBase) Kind() Kind {
	return d.kind
}

func (d *descriptorBase) Def() protoreflect.Descriptor {
	return d.def
}

func (d *descriptorBase) Pool() *DescriptorPool {
	return hostobj.NewRef(d.pool)
}

func (d *descriptorBase) base() *descriptorBase {
	return d
}

// Name returns the descriptor's short name. For files, this is the path.
func (d *descriptorBase) Name() string {
	if fd, ok := d.def.(protoreflect.FileDescriptor); ok {
		return fd.Path()
	}
	return string(d.def.Name())
}

// FullName returns the descriptor's fully-qualified name. For files, this is
// the package.
func (d *descriptorBase) FullName() string {
	return string(d.def.FullName())
}

type descriptorWrapper interface {
	AnyDescriptor
	Init(self hostobj.Object, typ *hostobj.Type)
	base() *descriptorBase
}

// descriptorDealloc is the teardown hook shared by all descriptor types. The
// cache entry is removed first, while the wrapper is still the registered
// value, then the pool is released, then storage.
func descriptorDealloc(obj hostobj.Object) {
	d := obj.(descriptorWrapper).base()
	if d.registered {
		d.registered = false
		d.state.ObjCache.Delete(d.def)
	}
	if d.pool != nil {
		pool := d.pool
		d.pool = nil
		pool.DecRef()
	}
	hostobj.Dealloc(obj)
}

func initDescriptorTypes(m *Module, state *ModuleState) error {
	var err error
	state.FieldDescriptorType, err = m.AddClass(hostobj.TypeSpec{
		Name:    ModuleName + ".FieldDescriptor",
		Dealloc: descriptorDealloc,
	})
	if err != nil {
		return err
	}
	state.FileDescriptorType, err = m.AddClass(hostobj.TypeSpec{
		Name:    ModuleName + ".FileDescriptor",
		Dealloc: descriptorDealloc,
	})
	return err
}

// getOrCreate implements get-or-create for every descriptor kind. On a cache
// hit the cached wrapper is returned, so wrapping the same descriptor twice
// yields the same object. On a miss, alloc builds a new wrapper around base,
// which is registered only if everything succeeded.
func (s *ModuleState) getOrCreate(def protoreflect.Descriptor, pool *DescriptorPool, kind Kind, typ *hostobj.Type, alloc func(base descriptorBase) descriptorWrapper) (descriptorWrapper, error) {
	if pool == nil {
		return nil, errors.New("descriptor pool is required")
	}
	if pool.state != s {
		return nil, errors.New("descriptor pool belongs to a different interpreter")
	}
	if s.ObjCache.Closed() {
		return nil, fmt.Errorf("cannot wrap %s: %w", def.FullName(), ErrInterpreterClosed)
	}
	obj, err := s.ObjCache.GetOrCreate(def, func() (hostobj.Object, error) {
		if pool.store.Closed() {
			return nil, fmt.Errorf("cannot wrap %s: %w", def.FullName(), ErrPoolClosed)
		}
		w := alloc(descriptorBase{state: s, kind: kind, def: def})
		w.Init(w, typ)
		w.base().pool = hostobj.NewRef(pool)
		w.base().registered = true
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	w, ok := obj.(descriptorWrapper)
	if !ok || w.Kind() != kind {
		obj.DecRef()
		panic(&KindMismatchError{Want: kind, Got: obj.Type().Name()})
	}
	return w, nil
}

// FieldDescriptor wraps a field or extension descriptor.
type FieldDescriptor struct {
	descriptorBase
}

// GetOrCreateFieldDescriptor returns the wrapper for field, creating it if
// no live wrapper exists. field must belong to pool's descriptor graph; this
// is not checked. The caller owns the returned reference.
func (s *ModuleState) GetOrCreateFieldDescriptor(field protoreflect.FieldDescriptor, pool *DescriptorPool) (*FieldDescriptor, error) {
	if field == nil {
		return nil, errors.New("field descriptor is nil")
	}
	w, err := s.getOrCreate(field, pool, KindFieldDescriptor, s.FieldDescriptorType, func(base descriptorBase) descriptorWrapper {
		return &FieldDescriptor{descriptorBase: base}
	})
	if err != nil {
		return nil, err
	}
	return w.(*FieldDescriptor), nil
}

func (f *FieldDescriptor) field() protoreflect.FieldDescriptor {
	return f.def.(protoreflect.FieldDescriptor)
}

// Number returns the field number.
func (f *FieldDescriptor) Number() int32 {
	return int32(f.field().Number())
}

// Index returns the field's index in its parent's list of fields or
// extensions.
func (f *FieldDescriptor) Index() int {
	return f.field().Index()
}

// FieldKind returns the field's type.
func (f *FieldDescriptor) FieldKind() protoreflect.Kind {
	return f.field().Kind()
}

// Cardinality returns whether the field is optional, required or repeated.
func (f *FieldDescriptor) Cardinality() protoreflect.Cardinality {
	return f.field().Cardinality()
}

// JSONName returns the field's JSON name.
func (f *FieldDescriptor) JSONName() string {
	return f.field().JSONName()
}

// HasPresence reports whether the field distinguishes between unset and the
// default value.
func (f *FieldDescriptor) HasPresence() bool {
	return f.field().HasPresence()
}

// IsExtension reports whether the field is an extension.
func (f *FieldDescriptor) IsExtension() bool {
	return f.field().IsExtension()
}

// IsPacked reports whether a repeated field uses packed encoding.
func (f *FieldDescriptor) IsPacked() bool {
	return f.field().IsPacked()
}

// ContainingOneofName returns the name of the oneof that contains the field,
// or the empty string.
func (f *FieldDescriptor) ContainingOneofName() string {
	if oo := f.field().ContainingOneof(); oo != nil {
		return string(oo.Name())
	}
	return ""
}

// Default returns the field's default value in the same string form used by
// google.protobuf.FieldDescriptorProto's default_value field, or the empty
// string if the field has no explicit default.
func (f *FieldDescriptor) Default() string {
	return defaultValueString(f.field())
}

// File returns the wrapper of the file that defines the field.
func (f *FieldDescriptor) File() (*FileDescriptor, error) {
	return f.state.GetOrCreateFileDescriptor(f.def.ParentFile(), f.pool)
}

func defaultValueString(fld protoreflect.FieldDescriptor) string {
	if !fld.HasDefault() {
		return ""
	}
	v := fld.Default()
	switch fld.Kind() {
	case protoreflect.BoolKind:
		return strconv.FormatBool(v.Bool())
	case protoreflect.EnumKind:
		return string(fld.DefaultEnumValue().Name())
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return strconv.FormatInt(v.Int(), 10)
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return strconv.FormatUint(v.Uint(), 10)
	default:
		// Floats and bytes have special spellings (inf, nan, C escapes).
		return protodesc.ToFieldDescriptorProto(fld).GetDefaultValue()
	}
}

// FileDescriptor wraps a file descriptor.
type FileDescriptor struct {
	descriptorBase
}

// GetOrCreateFileDescriptor returns the wrapper for file, creating it if no
// live wrapper exists. file must belong to pool's descriptor graph; this is
// not checked. The caller owns the returned reference.
func (s *ModuleState) GetOrCreateFileDescriptor(file protoreflect.FileDescriptor, pool *DescriptorPool) (*FileDescriptor, error) {
	if file == nil {
		return nil, errors.New("file descriptor is nil")
	}
	w, err := s.getOrCreate(file, pool, KindFileDescriptor, s.FileDescriptorType, func(base descriptorBase) descriptorWrapper {
		return &FileDescriptor{descriptorBase: base}
	})
	if err != nil {
		return nil, err
	}
	return w.(*FileDescriptor), nil
}

func (f *FileDescriptor) file() protoreflect.FileDescriptor {
	return f.def.(protoreflect.FileDescriptor)
}

// Package returns the file's package.
func (f *FileDescriptor) Package() string {
	return string(f.file().Package())
}

// Syntax returns "proto2", "proto3" or "editions".
func (f *FileDescriptor) Syntax() string {
	return f.file().Syntax().String()
}

// Serialize returns the file as a serialized FileDescriptorProto.
func (f *FileDescriptor) Serialize() ([]byte, error) {
	return proto.Marshal(protodesc.ToFileDescriptorProto(f.file()))
}

// Dependencies returns a sequence of the wrappers of the files that this file
// imports.
func (f *FileDescriptor) Dependencies() *GenericSequence {
	imports := f.file().Imports()
	return f.state.newGenericSequence(f, imports.Len(), func(i int) (hostobj.Object, error) {
		return asObject(f.state.GetOrCreateFileDescriptor(imports.Get(i).FileDescriptor, f.pool))
	})
}

// ExtensionsByName returns a map of the file's top-level extensions, keyed by
// short name.
func (f *FileDescriptor) ExtensionsByName() *ByNameMap {
	exts := f.file().Extensions()
	return f.state.newByNameMap(f, exts.Len(),
		func(i int) string {
			return string(exts.Get(i).Name())
		},
		func(name string) (hostobj.Object, bool, error) {
			ext := exts.ByName(protoreflect.Name(name))
			if ext == nil {
				return nil, false, nil
			}
			return found(asObject(f.state.GetOrCreateFieldDescriptor(ext, f.pool)))
		})
}

// ExtensionsByNumber returns a map of the file's top-level extensions, keyed
// by field number.
func (f *FileDescriptor) ExtensionsByNumber() *ByNumberMap {
	exts := f.file().Extensions()
	return f.state.newByNumberMap(f, exts.Len(),
		func(i int) int32 {
			return int32(exts.Get(i).Number())
		},
		func(num int32) (hostobj.Object, bool, error) {
			for i, length := 0, exts.Len(); i < length; i++ {
				if ext := exts.Get(i); int32(ext.Number()) == num {
					return found(asObject(f.state.GetOrCreateFieldDescriptor(ext, f.pool)))
				}
			}
			return nil, false, nil
		})
}

// asObject converts a wrapper and error to an untyped result, so that a nil
// wrapper does not become a non-nil interface value.
func asObject[T hostobj.Object](w T, err error) (hostobj.Object, error) {
	if err != nil {
		return nil, err
	}
	return w, nil
}

func found(obj hostobj.Object, err error) (hostobj.Object, bool, error) {
	return obj, err == nil, err
}

// Wrap returns the wrapper for d, dispatching on its kind. Only field and
// file descriptors can be wrapped.
func (s *ModuleState) Wrap(d protoreflect.Descriptor, pool *DescriptorPool) (AnyDescriptor, error) {
	switch d := d.(type) {
	case protoreflect.FileDescriptor:
		w, err := s.GetOrCreateFileDescriptor(d, pool)
		if err != nil {
			return nil, err
		}
		return w, nil
	case protoreflect.FieldDescriptor:
		w, err := s.GetOrCreateFieldDescriptor(d, pool)
		if err != nil {
			return nil, err
		}
		return w, nil
	case nil:
		return nil, errors.New("descriptor is nil")
	default:
		return nil, fmt.Errorf("unsupported descriptor type: %T", d)
	}
}

// FileDescriptorGetDef returns the file descriptor wrapped by obj. It panics
// with a *KindMismatchError if obj is not a file descriptor wrapper.
func FileDescriptorGetDef(obj hostobj.Object) protoreflect.FileDescriptor {
	if f, ok := obj.(*FileDescriptor); ok {
		return f.file()
	}
	panic(newKindMismatch(KindFileDescriptor, obj))
}

// FieldDescriptorGetDef returns the field descriptor wrapped by obj. It
// panics with a *KindMismatchError if obj is not a field descriptor wrapper.
func FieldDescriptorGetDef(obj hostobj.Object) protoreflect.FieldDescriptor {
	if f, ok := obj.(*FieldDescriptor); ok {
		return f.field()
	}
	panic(newKindMismatch(KindFieldDescriptor, obj))
}

// AnyDescriptorGetDef returns the descriptor wrapped by obj, of any kind. It
// panics with a *KindMismatchError if obj is not a descriptor wrapper.
func AnyDescriptorGetDef(obj hostobj.Object) protoreflect.Descriptor {
	if d, ok := obj.(AnyDescriptor); ok {
		return d.Def()
	}
	panic(newKindMismatch(0, obj))
}

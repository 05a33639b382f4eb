// Package descstore holds the native descriptor graph that protobind wraps.
//
// A Store is an immutable-once-added collection of file descriptors and all of
// the elements they define. Descriptors are never removed individually: the
// whole store is released as one unit by Close, the way an arena is. Host
// wrappers use descriptor values from a store as their identity, so a store
// must outlive every wrapper that refers to it.
package descstore

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// ErrNotFound is returned by lookups for elements that are not in the store.
// It is the same value as protoregistry.NotFound so that a Store can be used
// as a resolver by the protodesc package.
var ErrNotFound = protoregistry.NotFound

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("descriptor store is closed")

// Store is a thread-safe collection of descriptors.
type Store struct {
	mu     sync.RWMutex
	files  *protoregistry.Files
	exts   map[protoreflect.FullName]map[protoreflect.FieldNumber]protoreflect.FieldDescriptor
	closed bool
}

var _ protodesc.Resolver = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{files: &protoregistry.Files{}}
}

// FromFileDescriptorSet returns a store that contains every file in the given
// set. The set must be closed under imports: every dependency of every file
// must also be present in the set. The files may appear in any order.
func FromFileDescriptorSet(files *descriptorpb.FileDescriptorSet) (*Store, error) {
	protosByPath := map[string]*descriptorpb.FileDescriptorProto{}
	for _, fd := range files.GetFile() {
		if _, ok := protosByPath[fd.GetName()]; ok {
			return nil, fmt.Errorf("file %q appears in set more than once", fd.GetName())
		}
		protosByPath[fd.GetName()] = fd
	}
	s := New()
	for _, fd := range files.GetFile() {
		if err := s.addWithDeps(fd, protosByPath); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) addWithDeps(fd *descriptorpb.FileDescriptorProto, protosByPath map[string]*descriptorpb.FileDescriptorProto) error {
	if _, err := s.FindFileByPath(fd.GetName()); err == nil {
		// already added
		return nil
	}
	for _, dep := range fd.GetDependency() {
		depFile := protosByPath[dep]
		if depFile == nil {
			return fmt.Errorf("set is missing file %q (imported by %q)", dep, fd.GetName())
		}
		if err := s.addWithDeps(depFile, protosByPath); err != nil {
			return err
		}
	}
	_, err := s.AddFileProto(fd)
	return err
}

// AddFileProto builds a descriptor from fd, resolving its imports against
// files already in the store, and adds it.
func (s *Store) AddFileProto(fd *descriptorpb.FileDescriptorProto) (protoreflect.FileDescriptor, error) {
	file, err := protodesc.NewFile(fd, s)
	if err != nil {
		return nil, fmt.Errorf("failed to build descriptor for %q: %w", fd.GetName(), err)
	}
	if err := s.AddFile(file); err != nil {
		return nil, err
	}
	return file, nil
}

// AddSerializedFile unmarshals a FileDescriptorProto from data and adds it
// with AddFileProto.
func (s *Store) AddSerializedFile(data []byte) (protoreflect.FileDescriptor, error) {
	var fd descriptorpb.FileDescriptorProto
	if err := proto.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("failed to parse serialized file descriptor: %w", err)
	}
	return s.AddFileProto(&fd)
}

// AddFile adds an already built file descriptor. Its extensions may not reuse
// a field number that an extension in another file already claims for the
// same message.
func (s *Store) AddFile(file protoreflect.FileDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.files.FindFileByPath(file.Path()); err == nil {
		return fmt.Errorf("file %q already added", file.Path())
	}
	exts := allExtensions(file, nil)
	for _, ext := range exts {
		extendee := ext.ContainingMessage().FullName()
		if prior := s.exts[extendee][ext.Number()]; prior != nil {
			return fmt.Errorf("extension number %d for message %q already added (existing: %q; trying to add: %q)",
				ext.Number(), extendee, prior.FullName(), ext.FullName())
		}
	}
	if err := s.files.RegisterFile(file); err != nil {
		return err
	}
	if s.exts == nil && len(exts) > 0 {
		s.exts = map[protoreflect.FullName]map[protoreflect.FieldNumber]protoreflect.FieldDescriptor{}
	}
	for _, ext := range exts {
		extendee := ext.ContainingMessage().FullName()
		byNumber := s.exts[extendee]
		if byNumber == nil {
			byNumber = map[protoreflect.FieldNumber]protoreflect.FieldDescriptor{}
			s.exts[extendee] = byNumber
		}
		byNumber[ext.Number()] = ext
	}
	return nil
}

type scope interface {
	Messages() protoreflect.MessageDescriptors
	Extensions() protoreflect.ExtensionDescriptors
}

// allExtensions appends the extensions declared in sc, including those nested
// in its messages, to exts.
func allExtensions(sc scope, exts []protoreflect.ExtensionDescriptor) []protoreflect.ExtensionDescriptor {
	for i := range sc.Extensions().Len() {
		exts = append(exts, sc.Extensions().Get(i))
	}
	for i := range sc.Messages().Len() {
		exts = allExtensions(sc.Messages().Get(i), exts)
	}
	return exts
}

// FindFileByPath returns the file with the given path.
func (s *Store) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.files.FindFileByPath(path)
}

// FindDescriptorByName returns the element with the given fully-qualified name.
func (s *Store) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.files.FindDescriptorByName(name)
}

// FindFieldByName returns the field or extension with the given
// fully-qualified name.
func (s *Store) FindFieldByName(name protoreflect.FullName) (protoreflect.FieldDescriptor, error) {
	d, err := s.FindDescriptorByName(name)
	if err != nil {
		return nil, err
	}
	fld, ok := d.(protoreflect.FieldDescriptor)
	if !ok {
		return nil, fmt.Errorf("descriptor %q is %s, not a field", name, descType(d))
	}
	return fld, nil
}

// FindExtensionByName returns the extension with the given fully-qualified
// name.
func (s *Store) FindExtensionByName(name protoreflect.FullName) (protoreflect.ExtensionDescriptor, error) {
	fld, err := s.FindFieldByName(name)
	if err != nil {
		return nil, err
	}
	if !fld.IsExtension() {
		return nil, fmt.Errorf("descriptor %q is a field, not an extension", name)
	}
	return fld, nil
}

// FindExtensionByNumber returns the extension of message with the given
// field number.
func (s *Store) FindExtensionByNumber(message protoreflect.FullName, fieldNumber protoreflect.FieldNumber) (protoreflect.ExtensionDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ext := s.exts[message][fieldNumber]
	if ext == nil {
		return nil, ErrNotFound
	}
	return ext, nil
}

// NumFiles returns the number of files in the store. A closed store has none.
func (s *Store) NumFiles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.files.NumFiles()
}

// RangeFiles calls fn for each file in the store, in no particular order,
// until fn returns false. fn may call other methods of the store.
func (s *Store) RangeFiles(fn func(protoreflect.FileDescriptor) bool) {
	var files []protoreflect.FileDescriptor
	func() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			return
		}
		files = make([]protoreflect.FileDescriptor, 0, s.files.NumFiles())
		s.files.RangeFiles(func(f protoreflect.FileDescriptor) bool {
			files = append(files, f)
			return true
		})
	}()
	for _, file := range files {
		if !fn(file) {
			return
		}
	}
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close releases every descriptor in the store. Descriptors already handed
// out remain valid Go values, but the store no longer resolves anything.
// Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.files = nil
	s.exts = nil
	return nil
}

func descType(d protoreflect.Descriptor) string {
	switch d := d.(type) {
	case protoreflect.FileDescriptor:
		return "a file"
	case protoreflect.MessageDescriptor:
		return "a message"
	case protoreflect.FieldDescriptor:
		if d.IsExtension() {
			return "an extension"
		}
		return "a field"
	case protoreflect.OneofDescriptor:
		return "a oneof"
	case protoreflect.EnumDescriptor:
		return "an enum"
	case protoreflect.EnumValueDescriptor:
		return "an enum value"
	case protoreflect.ServiceDescriptor:
		return "a service"
	case protoreflect.MethodDescriptor:
		return "a method"
	default:
		return fmt.Sprintf("a %T", d)
	}
}

package binding

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/jhump/protobind/descstore"
	"github.com/jhump/protobind/hostobj"
)

// DescriptorPool is the host object that owns a descriptor store. Every
// descriptor wrapper holds a reference to its pool, so the store stays open
// until the last wrapper of any of its descriptors is released. When the pool
// itself is released, the store is closed.
type DescriptorPool struct {
	hostobj.Base
	state      *ModuleState
	store      *descstore.Store
	registered bool
}

func initPoolType(m *Module, state *ModuleState) error {
	var err error
	state.DescriptorPoolType, err = m.AddClass(hostobj.TypeSpec{
		Name: ModuleName + ".DescriptorPool",
		Dealloc: func(obj hostobj.Object) {
			p := obj.(*DescriptorPool)
			if p.registered {
				p.registered = false
				p.state.ObjCache.Delete(p.store)
			}
			if err := p.store.Close(); err != nil {
				p.state.interp.logger.Warn("failed to close descriptor store", zap.Error(err))
			}
			hostobj.Dealloc(p)
		},
	})
	return err
}

// newPool wraps a store that is known not to have a wrapper yet.
func (s *ModuleState) newPool(store *descstore.Store) *DescriptorPool {
	p := &DescriptorPool{state: s, store: store}
	p.Init(p, s.DescriptorPoolType)
	s.ObjCache.Add(store, p)
	p.registered = true
	return p
}

// GetOrCreatePool returns the pool that owns store, creating it if there is
// none. The pool takes ownership of the store: it closes the store when the
// pool's last reference is released.
func (s *ModuleState) GetOrCreatePool(store *descstore.Store) (*DescriptorPool, error) {
	if store == nil {
		return nil, errors.New("descriptor store is nil")
	}
	if s.ObjCache.Closed() {
		return nil, ErrInterpreterClosed
	}
	obj, err := s.ObjCache.GetOrCreate(store, func() (hostobj.Object, error) {
		if store.Closed() {
			return nil, ErrPoolClosed
		}
		p := &DescriptorPool{state: s, store: store}
		p.Init(p, s.DescriptorPoolType)
		p.registered = true
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p, ok := obj.(*DescriptorPool)
	if !ok {
		obj.DecRef()
		panic(newKindMismatch(KindDescriptorPool, obj))
	}
	return p, nil
}

// Kind returns KindDescriptorPool.
func (p *DescriptorPool) Kind() Kind {
	return KindDescriptorPool
}

// Store returns the pool's descriptor store.
func (p *DescriptorPool) Store() *descstore.Store {
	return p.store
}

// AddSerializedFile parses a serialized FileDescriptorProto, adds it to the
// pool, and returns its wrapper.
func (p *DescriptorPool) AddSerializedFile(data []byte) (*FileDescriptor, error) {
	fd, err := p.store.AddSerializedFile(data)
	if err != nil {
		return nil, err
	}
	return p.state.GetOrCreateFileDescriptor(fd, p)
}

// AddSerializedFileObj is AddSerializedFile for a host string object holding
// the serialized bytes.
func (p *DescriptorPool) AddSerializedFileObj(obj hostobj.Object) (*FileDescriptor, error) {
	str, ok := obj.(*hostobj.Str)
	if !ok || str == nil {
		return nil, fmt.Errorf("%w for serialized file", hostobj.ErrNotString)
	}
	return p.AddSerializedFile(str.Bytes())
}

// FindFileByName returns the wrapper of the file with the given path.
func (p *DescriptorPool) FindFileByName(path string) (*FileDescriptor, error) {
	fd, err := p.store.FindFileByPath(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't find file %q: %w", path, err)
	}
	return p.state.GetOrCreateFileDescriptor(fd, p)
}

// FindFieldByName returns the wrapper of the field with the given
// fully-qualified name.
func (p *DescriptorPool) FindFieldByName(name string) (*FieldDescriptor, error) {
	fld, err := p.store.FindFieldByName(protoreflect.FullName(name))
	if err != nil {
		return nil, fmt.Errorf("couldn't find field %q: %w", name, err)
	}
	return p.state.GetOrCreateFieldDescriptor(fld, p)
}

// FindExtensionByName returns the wrapper of the extension with the given
// fully-qualified name.
func (p *DescriptorPool) FindExtensionByName(name string) (*FieldDescriptor, error) {
	ext, err := p.store.FindExtensionByName(protoreflect.FullName(name))
	if err != nil {
		return nil, fmt.Errorf("couldn't find extension %q: %w", name, err)
	}
	return p.state.GetOrCreateFieldDescriptor(ext, p)
}

// FindFieldByNameObj is FindFieldByName for a host string object.
func (p *DescriptorPool) FindFieldByNameObj(name hostobj.Object) (*FieldDescriptor, error) {
	s, err := hostobj.GetStrData(name)
	if err != nil {
		return nil, err
	}
	return p.FindFieldByName(s)
}

// Files returns an iterator over wrappers of every file in the pool.
func (p *DescriptorPool) Files() *DescriptorIterator {
	var files []protoreflect.FileDescriptor
	p.store.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		files = append(files, fd)
		return true
	})
	return p.state.newDescriptorIterator(p, len(files), func(i int) (hostobj.Object, error) {
		return asObject(p.state.GetOrCreateFileDescriptor(files[i], p))
	})
}

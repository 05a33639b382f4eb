package binding

import (
	"fmt"
	"sort"

	"github.com/jhump/protobind/hostobj"
)

// Containers are lazy views over a descriptor's children. Each holds a
// reference to the wrapper it was obtained from and creates child wrappers
// on access, so a child is only cached while something references it.

type containerBase struct {
	hostobj.Base
	parent hostobj.Object
	n      int
}

// Len returns the number of elements.
func (c *containerBase) Len() int {
	return c.n
}

// Parent returns the object the container was obtained from. It is borrowed.
func (c *containerBase) Parent() hostobj.Object {
	return c.parent
}

func (c *containerBase) releaseParent() {
	if c.parent != nil {
		parent := c.parent
		c.parent = nil
		parent.DecRef()
	}
}

type container interface {
	hostobj.Object
	releaseParent()
}

func containerFree(obj hostobj.Object) {
	obj.(container).releaseParent()
}

func initContainerTypes(m *Module, state *ModuleState) error {
	types := []struct {
		dst  **hostobj.Type
		name string
	}{
		{&state.ByNameMapType, "ByNameMap"},
		{&state.ByNumberMapType, "ByNumberMap"},
		{&state.DescriptorIteratorType, "DescriptorIterator"},
		{&state.GenericSequenceType, "GenericSequence"},
	}
	for _, t := range types {
		typ, err := m.AddClass(hostobj.TypeSpec{
			Name: ModuleName + "." + t.name,
			Free: containerFree,
		})
		if err != nil {
			return err
		}
		*t.dst = typ
	}
	return nil
}

// GenericSequence is an indexable sequence of wrappers.
type GenericSequence struct {
	containerBase
	get func(int) (hostobj.Object, error)
}

func (s *ModuleState) newGenericSequence(parent hostobj.Object, n int, get func(int) (hostobj.Object, error)) *GenericSequence {
	seq := &GenericSequence{containerBase: containerBase{parent: hostobj.NewRef(parent), n: n}, get: get}
	seq.Init(seq, s.GenericSequenceType)
	return seq
}

// Get returns a new reference to the element at index i.
func (seq *GenericSequence) Get(i int) (hostobj.Object, error) {
	if i < 0 || i >= seq.n {
		return nil, fmt.Errorf("index %d out of range [0, %d)", i, seq.n)
	}
	return seq.get(i)
}

// ByNameMap maps names to wrappers.
type ByNameMap struct {
	containerBase
	key    func(int) string
	lookup func(string) (hostobj.Object, bool, error)
}

func (s *ModuleState) newByNameMap(parent hostobj.Object, n int, key func(int) string, lookup func(string) (hostobj.Object, bool, error)) *ByNameMap {
	m := &ByNameMap{containerBase: containerBase{parent: hostobj.NewRef(parent), n: n}, key: key, lookup: lookup}
	m.Init(m, s.ByNameMapType)
	return m
}

// Keys returns the map's keys in sorted order.
func (m *ByNameMap) Keys() []string {
	keys := make([]string, m.n)
	for i := range keys {
		keys[i] = m.key(i)
	}
	sort.Strings(keys)
	return keys
}

// Get returns a new reference to the wrapper with the given name. The bool
// is false if there is no such entry.
func (m *ByNameMap) Get(name string) (hostobj.Object, bool, error) {
	return m.lookup(name)
}

// ByNumberMap maps field numbers to wrappers.
type ByNumberMap struct {
	containerBase
	key    func(int) int32
	lookup func(int32) (hostobj.Object, bool, error)
}

func (s *ModuleState) newByNumberMap(parent hostobj.Object, n int, key func(int) int32, lookup func(int32) (hostobj.Object, bool, error)) *ByNumberMap {
	m := &ByNumberMap{containerBase: containerBase{parent: hostobj.NewRef(parent), n: n}, key: key, lookup: lookup}
	m.Init(m, s.ByNumberMapType)
	return m
}

// Keys returns the map's keys in ascending order.
func (m *ByNumberMap) Keys() []int32 {
	keys := make([]int32, m.n)
	for i := range keys {
		keys[i] = m.key(i)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i] < keys[j]
	})
	return keys
}

// Get returns a new reference to the wrapper with the given number. The bool
// is false if there is no such entry.
func (m *ByNumberMap) Get(num int32) (hostobj.Object, bool, error) {
	return m.lookup(num)
}

// DescriptorIterator yields wrappers one at a time.
type DescriptorIterator struct {
	containerBase
	pos int
	get func(int) (hostobj.Object, error)
}

func (s *ModuleState) newDescriptorIterator(parent hostobj.Object, n int, get func(int) (hostobj.Object, error)) *DescriptorIterator {
	it := &DescriptorIterator{containerBase: containerBase{parent: hostobj.NewRef(parent), n: n}, get: get}
	it.Init(it, s.DescriptorIteratorType)
	return it
}

// Next returns a new reference to the next element. It returns nil, with a
// nil error, once the iterator is exhausted.
func (it *DescriptorIterator) Next() (hostobj.Object, error) {
	if it.pos >= it.n {
		return nil, nil
	}
	obj, err := it.get(it.pos)
	if err != nil {
		return nil, err
	}
	it.pos++
	return obj, nil
}

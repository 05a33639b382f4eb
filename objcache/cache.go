// Package objcache provides a weak map from native object identities to the
// host objects that wrap them.
//
// A consistent wrapper per native object saves memory and provides object
// stability: wrapping the same native object twice yields the same host
// object, as long as the first wrapper is still referenced. Each wrapper adds
// itself to the cache when it is constructed and removes itself when it is
// destroyed. The cache is weak in the sense that matters to the host runtime:
// it never holds a counted reference, so it never keeps an otherwise
// unreferenced wrapper alive.
//
// Keys are not namespaced by the kind of wrapper. Callers must not use the
// same native identity for two logically distinct objects of different kinds.
package objcache

import (
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/jhump/protobind/hostobj"
)

// ContractError describes misuse of the cache by its caller, such as adding a
// key twice or deleting a key that is not present. These are bugs in the
// binding itself, so they are raised with panic instead of returned.
type ContractError struct {
	Op  string
	Key any
	Msg string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("objcache: %s(%v): %s", e.Op, describeKey(e.Key), e.Msg)
}

// Stats is a snapshot of a cache's counters.
type Stats struct {
	Adds    uint64
	Deletes uint64
	Hits    uint64
	Misses  uint64
	Live    int
}

// Option configures a Cache.
type Option func(*Cache)

// WithLocking makes every cache operation acquire an internal mutex, so that
// the map and its counters can be read from goroutines that do not hold the
// interpreter's execution lock, such as a metrics scrape. It does not make
// the cached objects safe to share: reference counts are not atomic, and an
// object whose count dropped to zero can still be found by Get until its
// teardown calls Delete. Acquiring or releasing references therefore still
// requires the execution lock. Without WithLocking, the cache relies entirely
// on the caller to serialize access.
func WithLocking() Option {
	return func(c *Cache) {
		c.mu = newOptionalMutex()
	}
}

// WithLogger sets the logger used to report problems found at Close.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// Cache maps native identities to live host wrappers.
type Cache struct {
	mu      *optionalMutex
	logger  *zap.Logger
	entries map[any]hostobj.Object
	stats   Stats
	closed  bool
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{entries: map[any]hostobj.Object{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = Logger()
	}
	return c
}

// Add registers obj under key. The cache does not acquire a reference to obj.
// It panics with a *ContractError if key is already present.
func (c *Cache) Add(key any, obj hostobj.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(key, obj)
}

func (c *Cache) addLocked(key any, obj hostobj.Object) {
	if key == nil {
		panic(&ContractError{Op: "Add", Key: key, Msg: "nil key"})
	}
	if obj == nil {
		panic(&ContractError{Op: "Add", Key: key, Msg: "nil object"})
	}
	if c.closed {
		panic(&ContractError{Op: "Add", Key: key, Msg: "cache is closed"})
	}
	if _, ok := c.entries[key]; ok {
		panic(&ContractError{Op: "Add", Key: key, Msg: "key already present"})
	}
	c.entries[key] = obj
	c.stats.Adds++
}

// Delete removes key. It must be called exactly once per Add, from the
// wrapper's teardown path, while the wrapper is still the registered value.
// It panics with a *ContractError if key is not present.
func (c *Cache) Delete(key any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		if c.closed {
			// entries were already dropped by Close
			return
		}
		panic(&ContractError{Op: "Delete", Key: key, Msg: "key not present"})
	}
	delete(c.entries, key)
	c.stats.Deletes++
}

// Get returns a new reference to the object registered under key, or nil if
// there is none. A nil result is not an error: the caller should construct a
// new wrapper.
func (c *Cache) Get(key any) hostobj.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache) getLocked(key any) hostobj.Object {
	obj, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil
	}
	c.stats.Hits++
	return hostobj.NewRef(obj)
}

// GetOrCreate returns a new reference to the object registered under key. If
// there is none, create is called to construct one, which is registered and
// returned. When the cache was created WithLocking, the lookup and
// registration happen atomically with respect to other cache operations.
//
// If create returns an error, nothing is registered. The object returned by
// create must not already be registered; create must not call back into c.
func (c *Cache) GetOrCreate(key any, create func() (hostobj.Object, error)) (hostobj.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if obj := c.getLocked(key); obj != nil {
		return obj, nil
	}
	obj, err := create()
	if err != nil {
		return nil, err
	}
	c.addLocked(key, obj)
	return obj, nil
}

// Contains reports whether key is present, without acquiring a reference.
func (c *Cache) Contains(key any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Live = len(c.entries)
	return s
}

// Range calls fn for each entry, until fn returns false. No references are
// acquired; fn must not retain obj past its return without calling IncRef,
// and must not call back into c.
func (c *Cache) Range(fn func(key any, obj hostobj.Object) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.entries {
		if !fn(k, v) {
			return
		}
	}
}

// Closed reports whether Close has been called.
func (c *Cache) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the cache down. Entries still present belong to wrappers that
// outlived their interpreter; they are logged and dropped, and their eventual
// Delete calls are ignored. Add panics after Close. Closing an
// already closed cache is a no-op. It returns the number of dropped entries.
func (c *Cache) Close() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	c.closed = true
	leaked := len(c.entries)
	if leaked > 0 {
		c.logger.Warn("object cache closed with live entries",
			zap.Int("live", leaked),
			zap.Uint64("adds", c.stats.Adds),
			zap.Uint64("deletes", c.stats.Deletes))
		for k, v := range c.entries {
			c.logger.Debug("leaked cache entry",
				zap.String("key", describeKey(k)),
				zap.String("type", v.Type().Name()),
				zap.Int64("refs", v.RefCount()))
		}
	}
	c.entries = map[any]hostobj.Object{}
	return leaked
}

func describeKey(key any) string {
	switch k := key.(type) {
	case nil:
		return "<nil>"
	case protoreflect.FileDescriptor:
		return fmt.Sprintf("file %q", k.Path())
	case protoreflect.Descriptor:
		return fmt.Sprintf("%s %s", descriptorKind(k), k.FullName())
	case fmt.Stringer:
		return k.String()
	default:
		return fmt.Sprintf("%T(%v)", key, key)
	}
}

func descriptorKind(d protoreflect.Descriptor) string {
	switch d := d.(type) {
	case protoreflect.MessageDescriptor:
		return "message"
	case protoreflect.FieldDescriptor:
		if d.IsExtension() {
			return "extension"
		}
		return "field"
	case protoreflect.OneofDescriptor:
		return "oneof"
	case protoreflect.EnumDescriptor:
		return "enum"
	case protoreflect.EnumValueDescriptor:
		return "enum value"
	case protoreflect.ServiceDescriptor:
		return "service"
	case protoreflect.MethodDescriptor:
		return "method"
	default:
		return "descriptor"
	}
}

package binding

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jhump/protobind/descstore"
	"github.com/jhump/protobind/hostobj"
	"github.com/jhump/protobind/objcache"
)

// ModuleName is the name under which the binding module is installed in an
// interpreter. Type names are qualified with it.
const ModuleName = "protobind._message"

// ModuleState holds everything the binding would otherwise keep in global
// variables. There is one per interpreter, so several interpreters can use
// the binding in one process without seeing each other's objects.
type ModuleState struct {
	FieldDescriptorType    *hostobj.Type
	FileDescriptorType     *hostobj.Type
	ByNameMapType          *hostobj.Type
	ByNumberMapType        *hostobj.Type
	DescriptorIteratorType *hostobj.Type
	GenericSequenceType    *hostobj.Type
	DescriptorPoolType     *hostobj.Type

	// ObjCache maps descriptors to their live wrappers.
	ObjCache *objcache.Cache

	interp      *Interpreter
	defaultPool *DescriptorPool
}

// Interpreter returns the interpreter that owns the state.
func (s *ModuleState) Interpreter() *Interpreter {
	return s.interp
}

// DefaultPool returns a new reference to the interpreter's default pool. It
// returns nil once the interpreter has been closed.
func (s *ModuleState) DefaultPool() *DescriptorPool {
	if s.defaultPool == nil {
		return nil
	}
	return hostobj.NewRef(s.defaultPool)
}

// Module is the host module object that carries a ModuleState.
type Module struct {
	hostobj.Base
	name  string
	state *ModuleState
	attrs map[string]hostobj.Object
}

var moduleType = hostobj.NewStaticType(hostobj.TypeSpec{Name: "module"})

func newModule(name string) *Module {
	m := &Module{name: name, attrs: map[string]hostobj.Object{}}
	m.Init(m, moduleType)
	return m
}

// Name returns the module's name.
func (m *Module) Name() string {
	return m.name
}

// Attr returns a new reference to the named module attribute.
func (m *Module) Attr(name string) (hostobj.Object, bool) {
	obj, ok := m.attrs[name]
	if !ok {
		return nil, false
	}
	return hostobj.NewRef(obj), true
}

// AddObject adds obj to the module under the given name. The module takes
// over the caller's reference.
func (m *Module) AddObject(name string, obj hostobj.Object) error {
	if _, ok := m.attrs[name]; ok {
		return fmt.Errorf("module %s already has attribute %q", m.name, name)
	}
	m.attrs[name] = obj
	return nil
}

// AddClass creates a heap type from spec and adds it to the module under the
// last dotted component of spec.Name. The returned type is borrowed from the
// module state, which holds its own reference.
func (m *Module) AddClass(spec hostobj.TypeSpec) (*hostobj.Type, error) {
	typ := hostobj.NewType(spec)
	name := spec.Name
	if pos := strings.LastIndexByte(name, '.'); pos >= 0 {
		name = name[pos+1:]
	}
	typeObj := newTypeObject(typ)
	if err := m.AddObject(name, typeObj); err != nil {
		typeObj.DecRef()
		typ.DecRef()
		return nil, err
	}
	return typ, nil
}

func (m *Module) clearAttrs() {
	attrs := m.attrs
	m.attrs = map[string]hostobj.Object{}
	for _, obj := range attrs {
		obj.DecRef()
	}
}

// TypeObject exposes a type as a module attribute. It holds a reference to
// the type.
type TypeObject struct {
	hostobj.Base
	typ *hostobj.Type
}

var typeObjectType = hostobj.NewStaticType(hostobj.TypeSpec{
	Name: "type",
	Free: func(obj hostobj.Object) {
		t := obj.(*TypeObject)
		t.typ.DecRef()
		t.typ = nil
	},
})

func newTypeObject(typ *hostobj.Type) *TypeObject {
	typ.IncRef()
	t := &TypeObject{typ: typ}
	t.Init(t, typeObjectType)
	return t
}

// Value returns the wrapped type.
func (t *TypeObject) Value() *hostobj.Type {
	return t.typ
}

// Option configures an Interpreter.
type Option func(*interpOptions)

type interpOptions struct {
	logger       *zap.Logger
	cacheLocking bool
	collector    *objcache.Collector
}

// WithLogger sets the interpreter's logger. The default is the package
// logger; see Logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *interpOptions) {
		o.logger = l
	}
}

// WithCacheLocking gives the interpreter's object cache its own mutex, so
// that its counters can be read without the execution lock, e.g. by a
// collector registered WithCollector while code runs in the interpreter.
// Wrappers and their reference counts are still only safe to touch while
// holding the execution lock.
func WithCacheLocking() Option {
	return func(o *interpOptions) {
		o.cacheLocking = true
	}
}

// WithCollector registers the interpreter's object cache with the given
// metrics collector, labeled by the interpreter's ID. It is unregistered when
// the interpreter is closed.
func WithCollector(c *objcache.Collector) Option {
	return func(o *interpOptions) {
		o.collector = c
	}
}

// Interpreter is an isolated execution context with its own binding module
// state. Its execution lock plays the role of the host's global lock: state
// of one interpreter may only be touched by the goroutine that has entered it.
type Interpreter struct {
	id     uuid.UUID
	logger *zap.Logger
	mu     sync.Mutex
	module *Module
	opts   interpOptions
	closed bool
}

// NewInterpreter creates an interpreter and initializes the binding module
// in it.
func NewInterpreter(opts ...Option) (*Interpreter, error) {
	var o interpOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	in := &Interpreter{id: uuid.New(), opts: o}
	in.logger = o.logger.With(zap.Stringer("interpreter", in.id))
	if err := in.initModule(); err != nil {
		return nil, err
	}
	if o.collector != nil {
		o.collector.Track(in.id.String(), in.cacheStats)
	}
	in.logger.Debug("interpreter initialized")
	return in, nil
}

// ID returns the interpreter's unique ID.
func (in *Interpreter) ID() uuid.UUID {
	return in.id
}

// Module returns the interpreter's binding module. It is borrowed; callers
// that keep it must call IncRef.
func (in *Interpreter) Module() *Module {
	return in.module
}

func (in *Interpreter) initModule() error {
	m := newModule(ModuleName)
	state := &ModuleState{interp: in}
	m.state = state

	cacheOpts := []objcache.Option{objcache.WithLogger(in.logger)}
	if in.opts.cacheLocking {
		cacheOpts = append(cacheOpts, objcache.WithLocking())
	}
	state.ObjCache = objcache.New(cacheOpts...)

	if err := initDescriptorTypes(m, state); err != nil {
		m.clearAttrs()
		return err
	}
	if err := initContainerTypes(m, state); err != nil {
		m.clearAttrs()
		return err
	}
	if err := initPoolType(m, state); err != nil {
		m.clearAttrs()
		return err
	}

	pool := state.newPool(descstore.New())
	if err := m.AddObject("default_pool", hostobj.NewRef(pool)); err != nil {
		pool.DecRef()
		m.clearAttrs()
		return err
	}
	state.defaultPool = pool
	in.module = m
	return nil
}

// Enter acquires the interpreter's execution lock and returns a context that
// carries the interpreter, for use with GetState. The returned function
// releases the lock and must be called exactly once.
func (in *Interpreter) Enter(ctx context.Context) (context.Context, func()) {
	in.mu.Lock()
	return context.WithValue(ctx, interpKey{}, in), in.mu.Unlock
}

// Do runs fn while holding the interpreter's execution lock.
func (in *Interpreter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, exit := in.Enter(ctx)
	defer exit()
	if in.closed {
		return ErrInterpreterClosed
	}
	return fn(ctx)
}

// Close tears down the binding module. Objects that are still referenced
// when Close runs outlive their interpreter: they are reported, and removing
// them from the object cache later is harmless, but no new wrappers can be
// created. Closing twice is a no-op.
//
// Close acquires the execution lock, so it waits for code running in the
// interpreter to finish. It must not be called from inside Do, or between
// Enter and the call to its release function, on pain of deadlock.
func (in *Interpreter) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	in.closed = true
	if in.opts.collector != nil {
		in.opts.collector.Untrack(in.id.String())
	}

	state := in.module.state
	pool := state.defaultPool
	state.defaultPool = nil
	// The module's attribute holds the other reference to the default pool.
	in.module.clearAttrs()
	pool.DecRef()

	leaked := state.ObjCache.Close()
	for _, typ := range []*hostobj.Type{
		state.FieldDescriptorType,
		state.FileDescriptorType,
		state.ByNameMapType,
		state.ByNumberMapType,
		state.DescriptorIteratorType,
		state.GenericSequenceType,
		state.DescriptorPoolType,
	} {
		typ.DecRef()
	}
	in.module.DecRef()
	in.logger.Debug("interpreter closed", zap.Int("leaked_wrappers", leaked))
	return nil
}

func (in *Interpreter) cacheStats() objcache.Stats {
	if !in.opts.cacheLocking {
		in.mu.Lock()
		defer in.mu.Unlock()
	}
	return in.module.state.ObjCache.Stats()
}

type interpKey struct{}

// GetState returns the module state of the interpreter active in ctx, as
// established by Interpreter.Enter. It returns nil if ctx does not belong to
// any interpreter, which is a misuse by the caller.
func GetState(ctx context.Context) *ModuleState {
	in, ok := ctx.Value(interpKey{}).(*Interpreter)
	if !ok || in.closed {
		return nil
	}
	return in.module.state
}

// GetStateFromModule returns the module state carried by m. It is used
// during initialization, before any context carries the interpreter.
func GetStateFromModule(m *Module) *ModuleState {
	return m.state
}

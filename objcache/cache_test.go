package objcache_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jhump/protobind/hostobj"
	"github.com/jhump/protobind/objcache"
)

type native struct {
	name string
}

type wrapper struct {
	hostobj.Base
	cache *objcache.Cache
	key   *native
}

func newWrapperType() *hostobj.Type {
	return hostobj.NewType(hostobj.TypeSpec{
		Name: "test.Wrapper",
		Dealloc: func(obj hostobj.Object) {
			w := obj.(*wrapper)
			w.cache.Delete(w.key)
			hostobj.Dealloc(w)
		},
	})
}

func newWrapper(typ *hostobj.Type, c *objcache.Cache, key *native) *wrapper {
	w := &wrapper{cache: c, key: key}
	w.Init(w, typ)
	return w
}

func getOrCreate(typ *hostobj.Type, c *objcache.Cache, key *native) *wrapper {
	if obj := c.Get(key); obj != nil {
		return obj.(*wrapper)
	}
	w := newWrapper(typ, c, key)
	c.Add(key, w)
	return w
}

func TestCache_IdentityStability(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New()
	f1 := &native{name: "f1"}

	w1 := getOrCreate(typ, c, f1)
	w2 := getOrCreate(typ, c, f1)
	require.Same(t, w1, w2)
	require.Equal(t, int64(2), w1.RefCount())
	require.Equal(t, 1, c.Len())

	w1.DecRef()
	w2.DecRef()
	require.Nil(t, c.Get(f1))
	require.Equal(t, 0, c.Len())

	w3 := getOrCreate(typ, c, f1)
	require.NotSame(t, w1, w3)
	require.Same(t, w1.key, w3.key)
	w3.DecRef()
}

func TestCache_GetMissIsNotAnError(t *testing.T) {
	c := objcache.New()
	require.Nil(t, c.Get(&native{}))
	require.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCache_GetReturnsNewReference(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New()
	key := &native{}
	w := newWrapper(typ, c, key)
	c.Add(key, w)
	require.Equal(t, int64(1), w.RefCount(), "Add must not acquire a reference")

	got := c.Get(key)
	require.Same(t, w, got)
	require.Equal(t, int64(2), w.RefCount())
	got.DecRef()
	w.DecRef()
	require.False(t, c.Contains(key))
}

func TestCache_DoubleAddPanics(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New()
	key := &native{name: "f1"}
	w := newWrapper(typ, c, key)
	c.Add(key, w)

	other := &wrapper{cache: c, key: key}
	other.Init(other, typ)
	requireContractPanic(t, "already present", func() {
		c.Add(key, other)
	})
	// the original registration is untouched
	require.Same(t, w, c.Get(key))
}

func TestCache_DeleteAbsentPanics(t *testing.T) {
	c := objcache.New()
	requireContractPanic(t, "not present", func() {
		c.Delete(&native{})
	})
}

func TestCache_NilKeyPanics(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New()
	w := newWrapper(typ, c, nil)
	requireContractPanic(t, "nil key", func() {
		c.Add(nil, w)
	})
}

func TestCache_BalancedRegistration(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New()
	keys := []*native{{name: "a"}, {name: "b"}, {name: "c"}}
	var live []*wrapper
	for round := 0; round < 3; round++ {
		for _, k := range keys {
			live = append(live, getOrCreate(typ, c, k), getOrCreate(typ, c, k))
		}
		for _, w := range live {
			w.DecRef()
		}
		live = live[:0]
	}
	stats := c.Stats()
	require.Equal(t, uint64(9), stats.Adds)
	require.Equal(t, stats.Adds, stats.Deletes)
	require.Equal(t, uint64(9), stats.Hits)
	require.Zero(t, stats.Live)
	require.Equal(t, int64(1), typ.RefCount(), "instances should have released their type references")
}

func TestCache_GetOrCreate_FailureRegistersNothing(t *testing.T) {
	c := objcache.New()
	key := &native{}
	boom := errors.New("allocation failed")
	_, err := c.GetOrCreate(key, func() (hostobj.Object, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, c.Contains(key))
	require.Zero(t, c.Stats().Adds)
}

func TestCache_GetOrCreate_Concurrent(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New(objcache.WithLocking())
	key := &native{}
	var created sync.WaitGroup
	results := make([]hostobj.Object, 16)
	for i := range results {
		created.Add(1)
		go func() {
			defer created.Done()
			obj, err := c.GetOrCreate(key, func() (hostobj.Object, error) {
				return newWrapper(typ, c, key), nil
			})
			if err != nil {
				panic(err)
			}
			results[i] = obj
		}()
	}
	created.Wait()
	for _, obj := range results {
		require.Same(t, results[0], obj)
	}
	require.Equal(t, int64(len(results)), results[0].RefCount())
	require.Equal(t, uint64(1), c.Stats().Adds)
}

func TestCache_ReadersDuringChurn(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New(objcache.WithLocking())
	key := &native{}
	const rounds = 1000

	// Only the owner touches references; readers only look at the cache.
	var g errgroup.Group
	stop := make(chan struct{})
	g.Go(func() error {
		defer close(stop)
		for range rounds {
			w := getOrCreate(typ, c, key)
			w.DecRef()
		}
		return nil
	})
	for range 4 {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				stats := c.Stats()
				if stats.Deletes > stats.Adds || stats.Live > 1 || c.Len() > 1 {
					return fmt.Errorf("inconsistent snapshot: %+v", stats)
				}
				_ = c.Contains(key)
			}
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, objcache.Stats{Adds: rounds, Deletes: rounds, Misses: rounds}, c.Stats())
}

func TestCache_Close(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New()
	key := &native{}
	w := getOrCreate(typ, c, key)
	require.False(t, c.Closed())
	require.Equal(t, 1, c.Close())
	require.True(t, c.Closed())
	require.Zero(t, c.Len())
	require.Zero(t, c.Close())

	// the straggler's Delete is tolerated after Close
	require.NotPanics(t, w.DecRef)
	requireContractPanic(t, "closed", func() {
		c.Add(&native{}, newWrapper(typ, objcache.New(), nil))
	})
}

func TestCollector(t *testing.T) {
	typ := newWrapperType()
	c := objcache.New()
	key := &native{}
	w := getOrCreate(typ, c, key)
	getOrCreate(typ, c, key).DecRef()

	coll := objcache.NewCollector("protobind")
	coll.Track("interp-a", c.Stats)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(coll))

	expected := `
# HELP protobind_objcache_live_entries Number of wrappers currently registered in the object cache
# TYPE protobind_objcache_live_entries gauge
protobind_objcache_live_entries{cache="interp-a"} 1
# HELP protobind_objcache_hits_total Total lookups that found a live wrapper
# TYPE protobind_objcache_hits_total counter
protobind_objcache_hits_total{cache="interp-a"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"protobind_objcache_live_entries", "protobind_objcache_hits_total"))

	w.DecRef()
	coll.Untrack("interp-a")
	require.Zero(t, testutil.CollectAndCount(coll))
}

func requireContractPanic(t *testing.T, msg string, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected panic")
		var cerr *objcache.ContractError
		err, ok := r.(error)
		require.True(t, ok, "panic value should be an error: %v", r)
		require.ErrorAs(t, err, &cerr)
		require.Contains(t, cerr.Msg, msg)
	}()
	fn()
}

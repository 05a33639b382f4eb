package binding_test

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/jhump/protobind/binding"
	"github.com/jhump/protobind/descstore"
	"github.com/jhump/protobind/hostobj"
	prototesting "github.com/jhump/protobind/internal/testing"
)

func TestGetOrCreatePool(t *testing.T) {
	in := newInterpreter(t)
	_, state := enter(t, in)

	store := newStore(t)
	p1, err := state.GetOrCreatePool(store)
	require.NoError(t, err)
	p2, err := state.GetOrCreatePool(store)
	require.NoError(t, err)
	require.Same(t, p1, p2)
	require.Equal(t, binding.KindDescriptorPool, p1.Kind())
	p2.DecRef()
	p1.DecRef()
	require.True(t, p1.Released())
	require.True(t, store.Closed())
	require.False(t, state.ObjCache.Contains(store))

	_, err = state.GetOrCreatePool(store)
	require.ErrorIs(t, err, binding.ErrPoolClosed)
	_, err = state.GetOrCreatePool(nil)
	require.Error(t, err)
}

func TestPool_AddSerializedFile(t *testing.T) {
	in := newInterpreter(t)
	_, state := enter(t, in)
	pool, err := state.GetOrCreatePool(descstore.New())
	require.NoError(t, err)
	defer pool.DecRef()

	set, err := prototesting.FileDescriptorSet(t.Context())
	require.NoError(t, err)
	people, err := proto.Marshal(set.File[0])
	require.NoError(t, err)
	teams, err := proto.Marshal(set.File[1])
	require.NoError(t, err)

	fd, err := pool.AddSerializedFile(people)
	require.NoError(t, err)
	require.Equal(t, prototesting.PeopleFile, fd.Name())
	fd.DecRef()

	fd, err = pool.AddSerializedFileObj(hostobj.NewStrBytes(teams))
	require.NoError(t, err)
	require.Equal(t, prototesting.TeamsFile, fd.Name())
	fd.DecRef()

	_, err = pool.AddSerializedFileObj(pool)
	require.ErrorIs(t, err, hostobj.ErrNotString)
	var nilStr *hostobj.Str
	_, err = pool.AddSerializedFileObj(nilStr)
	require.ErrorIs(t, err, hostobj.ErrNotString)
	_, err = pool.FindFieldByNameObj(nilStr)
	require.ErrorIs(t, err, hostobj.ErrNotString)

	ext, err := pool.FindExtensionByName("test.teams.nick")
	require.NoError(t, err)
	require.EqualValues(t, 101, ext.Number())
	ext.DecRef()
}

func TestPool_Find(t *testing.T) {
	in := newInterpreter(t)
	_, state := enter(t, in)
	pool := newPool(t, state)
	defer pool.DecRef()

	_, err := pool.FindFieldByName("test.people.Person.nope")
	require.ErrorIs(t, err, descstore.ErrNotFound)
	_, err = pool.FindFileByName("nope.proto")
	require.ErrorIs(t, err, descstore.ErrNotFound)
	_, err = pool.FindExtensionByName("test.people.Person.id")
	require.ErrorContains(t, err, "not an extension")

	fld, err := pool.FindFieldByNameObj(hostobj.NewStr("test.people.Person.id"))
	require.NoError(t, err)
	require.Equal(t, "id", fld.Name())
	fld.DecRef()

	_, err = pool.FindFieldByNameObj(hostobj.NewStrBytes([]byte{'t', 'e', 0xff}))
	var uerr *hostobj.UnicodeError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, 2, uerr.Offset)

	_, err = pool.FindFieldByNameObj(nil)
	require.ErrorIs(t, err, hostobj.ErrNotString)
}

func TestPool_Files(t *testing.T) {
	in := newInterpreter(t)
	_, state := enter(t, in)
	pool := newPool(t, state)
	defer pool.DecRef()

	it := pool.Files()
	require.Same(t, state.DescriptorIteratorType, it.Type())
	require.Equal(t, 2, it.Len())
	var names []string
	for {
		obj, err := it.Next()
		require.NoError(t, err)
		if obj == nil {
			break
		}
		names = append(names, obj.(*binding.FileDescriptor).Name())
		obj.DecRef()
	}
	sort.Strings(names)
	require.Equal(t, []string{prototesting.PeopleFile, prototesting.TeamsFile}, names)

	obj, err := it.Next()
	require.NoError(t, err)
	require.Nil(t, obj)

	// the iterator holds the pool
	require.EqualValues(t, 2, pool.RefCount())
	it.DecRef()
	require.EqualValues(t, 1, pool.RefCount())
}

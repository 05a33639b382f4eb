package binding_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jhump/protobind/binding"
	"github.com/jhump/protobind/descstore"
	prototesting "github.com/jhump/protobind/internal/testing"
)

func TestDependencies(t *testing.T) {
	in := newInterpreter(t)
	_, state := enter(t, in)
	pool := newPool(t, state)
	defer pool.DecRef()

	teams, err := pool.FindFileByName(prototesting.TeamsFile)
	require.NoError(t, err)
	defer teams.DecRef()

	deps := teams.Dependencies()
	require.Same(t, state.GenericSequenceType, deps.Type())
	require.Same(t, teams, deps.Parent())
	require.EqualValues(t, 2, teams.RefCount())
	require.Equal(t, 1, deps.Len())

	obj, err := deps.Get(0)
	require.NoError(t, err)
	people, err := pool.FindFileByName(prototesting.PeopleFile)
	require.NoError(t, err)
	require.Same(t, people, obj)
	people.DecRef()
	obj.DecRef()

	_, err = deps.Get(1)
	require.ErrorContains(t, err, "out of range")
	_, err = deps.Get(-1)
	require.Error(t, err)

	deps.DecRef()
	require.True(t, deps.Released())
	require.EqualValues(t, 1, teams.RefCount())
}

func TestDependencies_SourcesCompiledSeparately(t *testing.T) {
	in := newInterpreter(t)
	ctx, state := enter(t, in)
	store := descstore.New()
	opts := descstore.SourceOptions{Sources: prototesting.Sources}
	_, err := store.CompileSources(ctx, opts, prototesting.PeopleFile)
	require.NoError(t, err)
	_, err = store.CompileSources(ctx, opts, prototesting.TeamsFile)
	require.NoError(t, err)
	pool, err := state.GetOrCreatePool(store)
	require.NoError(t, err)
	defer pool.DecRef()

	teams, err := pool.FindFileByName(prototesting.TeamsFile)
	require.NoError(t, err)
	defer teams.DecRef()
	deps := teams.Dependencies()
	defer deps.DecRef()
	obj, err := deps.Get(0)
	require.NoError(t, err)
	defer obj.DecRef()

	people, err := pool.FindFileByName(prototesting.PeopleFile)
	require.NoError(t, err)
	defer people.DecRef()
	require.Same(t, people, obj)
	require.EqualValues(t, 2, people.RefCount())
}

func TestExtensionMaps(t *testing.T) {
	in := newInterpreter(t)
	_, state := enter(t, in)
	pool := newPool(t, state)
	defer pool.DecRef()

	teams, err := pool.FindFileByName(prototesting.TeamsFile)
	require.NoError(t, err)
	defer teams.DecRef()

	byName := teams.ExtensionsByName()
	defer byName.DecRef()
	require.Same(t, state.ByNameMapType, byName.Type())
	require.Equal(t, 2, byName.Len())
	require.Equal(t, []string{"nick", "rank"}, byName.Keys())
	obj, ok, err := byName.Get("rank")
	require.NoError(t, err)
	require.True(t, ok)
	rank := obj.(*binding.FieldDescriptor)
	require.EqualValues(t, 100, rank.Number())
	_, ok, err = byName.Get("level")
	require.NoError(t, err)
	require.False(t, ok)

	byNum := teams.ExtensionsByNumber()
	defer byNum.DecRef()
	require.Same(t, state.ByNumberMapType, byNum.Type())
	require.Equal(t, []int32{100, 101}, byNum.Keys())
	obj, ok, err = byNum.Get(100)
	require.NoError(t, err)
	require.True(t, ok)
	// same wrapper through either map
	require.Same(t, rank, obj)
	require.EqualValues(t, 2, rank.RefCount())
	obj.DecRef()
	rank.DecRef()
	_, ok, err = byNum.Get(150)
	require.NoError(t, err)
	require.False(t, ok)

	people, err := pool.FindFileByName(prototesting.PeopleFile)
	require.NoError(t, err)
	defer people.DecRef()
	none := people.ExtensionsByName()
	require.Zero(t, none.Len())
	require.Empty(t, none.Keys())
	none.DecRef()
}

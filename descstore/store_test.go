package descstore_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/jhump/protobind/descstore"
	prototesting "github.com/jhump/protobind/internal/testing"
)

func TestCompileSources(t *testing.T) {
	store, err := prototesting.CompileStore(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, store.NumFiles())

	fd, err := store.FindFileByPath(prototesting.PeopleFile)
	require.NoError(t, err)
	require.Equal(t, protoreflect.FullName("test.people"), fd.Package())

	fld, err := store.FindFieldByName("test.people.Person.email")
	require.NoError(t, err)
	require.Equal(t, "mail", fld.JSONName())

	_, err = store.FindFieldByName("test.people.Person")
	require.ErrorContains(t, err, "is a message, not a field")

	_, err = store.FindExtensionByName("test.people.Person.email")
	require.ErrorContains(t, err, "not an extension")

	ext, err := store.FindExtensionByNumber("test.people.Extendable", 101)
	require.NoError(t, err)
	require.Equal(t, protoreflect.FullName("test.teams.nick"), ext.FullName())

	_, err = store.FindExtensionByNumber("test.people.Extendable", 150)
	require.ErrorIs(t, err, descstore.ErrNotFound)

	_, err = store.FindFileByPath("nope.proto")
	require.ErrorIs(t, err, descstore.ErrNotFound)
}

func TestCompileSources_SeparateCalls(t *testing.T) {
	opts := descstore.SourceOptions{Sources: prototesting.Sources}
	store := descstore.New()
	people, err := store.CompileSources(t.Context(), opts, prototesting.PeopleFile)
	require.NoError(t, err)
	teams, err := store.CompileSources(t.Context(), opts, prototesting.TeamsFile)
	require.NoError(t, err)
	require.Equal(t, 2, store.NumFiles())

	stored, err := store.FindFileByPath(prototesting.PeopleFile)
	require.NoError(t, err)
	require.True(t, people[0] == stored)
	require.Equal(t, prototesting.PeopleFile, teams[0].Imports().Get(0).Path())
	require.True(t, teams[0].Imports().Get(0).FileDescriptor == stored, "import should be the stored file")

	ext, err := store.FindExtensionByNumber("test.people.Extendable", 100)
	require.NoError(t, err)
	require.True(t, ext.ContainingMessage() == stored.Messages().ByName("Extendable"))
}

func TestCompileSources_ImportFromDescriptorSet(t *testing.T) {
	set, err := prototesting.FileDescriptorSet(t.Context())
	require.NoError(t, err)
	store, err := descstore.FromFileDescriptorSet(&descriptorpb.FileDescriptorSet{File: set.File[:1]})
	require.NoError(t, err)
	stored, err := store.FindFileByPath(prototesting.PeopleFile)
	require.NoError(t, err)

	// Only teams.proto is given as source; people.proto comes from the store.
	opts := descstore.SourceOptions{Sources: map[string]string{
		prototesting.TeamsFile: prototesting.Sources[prototesting.TeamsFile],
	}}
	teams, err := store.CompileSources(t.Context(), opts, prototesting.TeamsFile)
	require.NoError(t, err)
	require.True(t, teams[0].Imports().Get(0).FileDescriptor == stored, "import should be the stored file")
	team := teams[0].Messages().ByName("Team")
	require.True(t, team.Fields().ByName("members").Message() == stored.Messages().ByName("Person"))

	again, err := store.FindFileByPath(prototesting.TeamsFile)
	require.NoError(t, err)
	require.True(t, again == teams[0])
}

func TestAddFile_ExtensionNumberConflict(t *testing.T) {
	store, err := prototesting.CompileStore(t.Context())
	require.NoError(t, err)
	opts := descstore.SourceOptions{Sources: map[string]string{
		"test/other.proto": `
syntax = "proto2";
package test.other;

import "test/people.proto";

extend test.people.Extendable {
  optional int32 level = 100;
}
`,
	}}
	_, err = store.CompileSources(t.Context(), opts, "test/other.proto")
	require.ErrorContains(t, err, `extension number 100 for message "test.people.Extendable" already added (existing: "test.teams.rank"; trying to add: "test.other.level")`)
	_, err = store.FindFileByPath("test/other.proto")
	require.ErrorIs(t, err, descstore.ErrNotFound)
	require.Equal(t, 2, store.NumFiles())
}

func TestFromFileDescriptorSet(t *testing.T) {
	set, err := prototesting.FileDescriptorSet(t.Context())
	require.NoError(t, err)

	// order in the set must not matter
	reversed := &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{set.File[1], set.File[0]}}
	store, err := descstore.FromFileDescriptorSet(reversed)
	require.NoError(t, err)
	require.Equal(t, 2, store.NumFiles())

	fd, err := store.FindFileByPath(prototesting.TeamsFile)
	require.NoError(t, err)
	diff := cmp.Diff(set.File[1], protodesc.ToFileDescriptorProto(fd), protocmp.Transform())
	require.Empty(t, diff)

	_, err = descstore.FromFileDescriptorSet(&descriptorpb.FileDescriptorSet{File: set.File[1:]})
	require.ErrorContains(t, err, `set is missing file "test/people.proto"`)

	_, err = descstore.FromFileDescriptorSet(&descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{set.File[0], set.File[0]}})
	require.ErrorContains(t, err, "appears in set more than once")
}

func TestAddSerializedFile(t *testing.T) {
	set, err := prototesting.FileDescriptorSet(t.Context())
	require.NoError(t, err)
	store := descstore.New()

	teams, err := proto.Marshal(set.File[1])
	require.NoError(t, err)
	_, err = store.AddSerializedFile(teams)
	require.Error(t, err, "import should not resolve yet")

	people, err := proto.Marshal(set.File[0])
	require.NoError(t, err)
	fd, err := store.AddSerializedFile(people)
	require.NoError(t, err)
	require.Equal(t, prototesting.PeopleFile, fd.Path())

	_, err = store.AddSerializedFile(teams)
	require.NoError(t, err)
	_, err = store.AddSerializedFile(teams)
	require.ErrorContains(t, err, "already added")

	_, err = store.AddSerializedFile([]byte{0xff, 0xff})
	require.ErrorContains(t, err, "failed to parse")
}

func TestLoadProtosets(t *testing.T) {
	set, err := prototesting.FileDescriptorSet(t.Context())
	require.NoError(t, err)
	dir := t.TempDir()
	full := filepath.Join(dir, "full.protoset")
	peopleOnly := filepath.Join(dir, "people.protoset")
	require.NoError(t, prototesting.WriteProtoset(full, set))
	require.NoError(t, prototesting.WriteProtoset(peopleOnly, &descriptorpb.FileDescriptorSet{File: set.File[:1]}))

	store, err := descstore.LoadProtosets(t.Context(), peopleOnly, full)
	require.NoError(t, err)
	var paths []string
	store.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		paths = append(paths, fd.Path())
		return true
	})
	sort.Strings(paths)
	require.Equal(t, []string{prototesting.PeopleFile, prototesting.TeamsFile}, paths)

	fd, err := prototesting.LoadProtoset(t.Context(), full)
	require.NoError(t, err)
	require.Equal(t, prototesting.TeamsFile, fd.Path())

	_, err = descstore.LoadProtosets(t.Context(), filepath.Join(dir, "missing.protoset"))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = descstore.LoadProtosets(ctx, full)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadProtosets_Conflict(t *testing.T) {
	set, err := prototesting.FileDescriptorSet(t.Context())
	require.NoError(t, err)
	altered := proto.Clone(set.File[0]).(*descriptorpb.FileDescriptorProto)
	altered.MessageType = altered.MessageType[:1]

	dir := t.TempDir()
	a := filepath.Join(dir, "a.protoset")
	b := filepath.Join(dir, "b.protoset")
	require.NoError(t, prototesting.WriteProtoset(a, &descriptorpb.FileDescriptorSet{File: set.File[:1]}))
	require.NoError(t, prototesting.WriteProtoset(b, &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{altered}}))
	_, err = descstore.LoadProtosets(t.Context(), a, b)
	require.ErrorContains(t, err, "conflicts with a different definition")
}

func TestClose(t *testing.T) {
	store, err := prototesting.CompileStore(t.Context())
	require.NoError(t, err)
	fd, err := store.FindFileByPath(prototesting.PeopleFile)
	require.NoError(t, err)

	require.NoError(t, store.Close())
	require.True(t, store.Closed())
	require.NoError(t, store.Close())
	require.Zero(t, store.NumFiles())

	_, err = store.FindFileByPath(prototesting.PeopleFile)
	require.ErrorIs(t, err, descstore.ErrClosed)
	_, err = store.FindDescriptorByName("test.people.Person")
	require.ErrorIs(t, err, descstore.ErrClosed)
	require.ErrorIs(t, store.AddFile(fd), descstore.ErrClosed)
	// handed-out descriptors remain usable values
	require.Equal(t, prototesting.PeopleFile, fd.Path())
}

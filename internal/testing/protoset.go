// Package testing contains fixtures shared by the tests of other packages:
// a small in-memory schema, helpers to turn it into stores and protosets, and
// a gRPC server that exposes schemas over server reflection.
package testing

import (
	"context"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/jhump/protobind/descstore"
)

// Paths of the files in Sources.
const (
	PeopleFile = "test/people.proto"
	TeamsFile  = "test/teams.proto"
)

// Sources is a small two-file schema. teams.proto imports people.proto and
// extends one of its messages.
var Sources = map[string]string{
	PeopleFile: `
syntax = "proto2";
package test.people;

message Person {
  optional string name = 1;
  optional int32 id = 2;
  optional string email = 3 [json_name = "mail"];
  oneof contact {
    string phone = 4;
    string fax = 5;
  }
  repeated int32 scores = 6 [packed = true];
  optional int32 level = 7 [default = 3];
}

message Extendable {
  extensions 100 to 200;
}
`,
	TeamsFile: `
syntax = "proto2";
package test.teams;

import "test/people.proto";

extend test.people.Extendable {
  optional int32 rank = 100;
  optional string nick = 101;
}

message Team {
  repeated test.people.Person members = 1;
}
`,
}

// CompileStore compiles Sources into a new store.
func CompileStore(ctx context.Context) (*descstore.Store, error) {
	store := descstore.New()
	if _, err := store.CompileSources(ctx, descstore.SourceOptions{Sources: Sources}, PeopleFile, TeamsFile); err != nil {
		return nil, err
	}
	return store, nil
}

// FileDescriptorSet returns Sources, compiled, as a descriptor set in
// dependency order.
func FileDescriptorSet(ctx context.Context) (*descriptorpb.FileDescriptorSet, error) {
	store, err := CompileStore(ctx)
	if err != nil {
		return nil, err
	}
	var set descriptorpb.FileDescriptorSet
	for _, path := range []string{PeopleFile, TeamsFile} {
		fd, err := store.FindFileByPath(path)
		if err != nil {
			return nil, err
		}
		set.File = append(set.File, protodesc.ToFileDescriptorProto(fd))
	}
	return &set, nil
}

// WriteProtoset writes set to the given path in protoset format.
func WriteProtoset(path string, set *descriptorpb.FileDescriptorSet) error {
	data, err := proto.Marshal(set)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadProtoset loads the compiled protoset file at the given path. It returns
// the last file descriptor in the set. When generating a protoset for a single
// file, that file is always last (and its dependencies before it).
func LoadProtoset(ctx context.Context, path string) (protoreflect.FileDescriptor, error) {
	store, err := descstore.LoadProtosets(ctx, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fds descriptorpb.FileDescriptorSet
	if err = proto.Unmarshal(data, &fds); err != nil {
		return nil, err
	}
	// return the last file in the set
	return store.FindFileByPath(fds.File[len(fds.File)-1].GetName())
}

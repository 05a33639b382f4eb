package descstore

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bufbuild/protocompile"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// SourceOptions configure how CompileSources finds and compiles .proto files.
type SourceOptions struct {
	// ImportPaths are the directories searched for source files.
	ImportPaths []string
	// Sources, if non-nil, supplies file contents by path instead of reading
	// them from disk.
	Sources map[string]string
	// IncludeSourceInfo retains comments and source locations.
	IncludeSourceInfo bool
}

// CompileSources compiles the named .proto files and adds them, along with
// all of their transitive imports, to the store. Imports that the store
// already holds are taken from the store rather than compiled again. Standard
// imports, such as "google/protobuf/descriptor.proto", are always available.
func (s *Store) CompileSources(ctx context.Context, opts SourceOptions, files ...string) ([]protoreflect.FileDescriptor, error) {
	resolver := &protocompile.SourceResolver{ImportPaths: opts.ImportPaths}
	if opts.Sources != nil {
		resolver.Accessor = protocompile.SourceAccessorFromMap(opts.Sources)
	}
	compiler := protocompile.Compiler{
		Resolver: protocompile.CompositeResolver{
			protocompile.ResolverFunc(func(path string) (protocompile.SearchResult, error) {
				fd, err := s.FindFileByPath(path)
				if err != nil {
					return protocompile.SearchResult{}, err
				}
				return protocompile.SearchResult{Desc: fd}, nil
			}),
			protocompile.WithStandardImports(resolver),
		},
	}
	if opts.IncludeSourceInfo {
		compiler.SourceInfoMode = protocompile.SourceInfoStandard
	}
	results, err := compiler.Compile(ctx, files...)
	if err != nil {
		return nil, err
	}
	fds := make([]protoreflect.FileDescriptor, len(results))
	for i, res := range results {
		// The store may hold an equivalent file that was added earlier.
		fds[i], err = s.addWithImports(res)
		if err != nil {
			return nil, err
		}
	}
	return fds, nil
}

// addWithImports adds file after its imports and returns the store's copy of
// it. Every import of a stored file must be the store's own descriptor for
// that path, so a file whose imports refer elsewhere, such as a compiler's
// wrapper around a stored file, is rebuilt against the store.
func (s *Store) addWithImports(file protoreflect.FileDescriptor) (protoreflect.FileDescriptor, error) {
	if existing, err := s.FindFileByPath(file.Path()); err == nil {
		return existing, nil
	}
	imports := file.Imports()
	relink := false
	for i, length := 0, imports.Len(); i < length; i++ {
		imp := imports.Get(i).FileDescriptor
		dep, err := s.addWithImports(imp)
		if err != nil {
			return nil, err
		}
		if dep != imp {
			relink = true
		}
	}
	if relink {
		return s.AddFileProto(protodesc.ToFileDescriptorProto(file))
	}
	if err := s.AddFile(file); err != nil {
		return nil, err
	}
	return file, nil
}

// LoadProtosets reads the given protoset files (serialized
// FileDescriptorSet messages, as produced by protoc --descriptor_set_out)
// concurrently, and returns a store holding the union of their contents.
// A file that appears in more than one set must be identical in each.
func LoadProtosets(ctx context.Context, paths ...string) (*Store, error) {
	sets := make([]*descriptorpb.FileDescriptorSet, len(paths))
	grp, ctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		grp.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			set, err := readProtoset(path)
			if err != nil {
				return err
			}
			sets[i] = set
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	merged := &descriptorpb.FileDescriptorSet{}
	seen := map[string]*descriptorpb.FileDescriptorProto{}
	for i, set := range sets {
		for _, fd := range set.GetFile() {
			if prev, ok := seen[fd.GetName()]; ok {
				if !proto.Equal(prev, fd) {
					return nil, fmt.Errorf("%s: file %q conflicts with a different definition in an earlier protoset", paths[i], fd.GetName())
				}
				continue
			}
			seen[fd.GetName()] = fd
			merged.File = append(merged.File, fd)
		}
	}
	return FromFileDescriptorSet(merged)
}

func readProtoset(path string) (*descriptorpb.FileDescriptorSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	bb, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(bb, &fds); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &fds, nil
}

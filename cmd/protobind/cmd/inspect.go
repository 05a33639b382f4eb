package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/jhump/protobind/binding"
	"github.com/jhump/protobind/descstore"
	"github.com/jhump/protobind/hostobj"
	"github.com/jhump/protobind/objcache"
)

type inspectOptions struct {
	protosets   []string
	protoFiles  []string
	importPaths []string
	reflectAddr string
	services    []string
	passes      int
	metrics     bool
	output      string

	// conn, if set, is used instead of dialing reflectAddr.
	conn grpc.ClientConnInterface
}

func newInspectCommand(v *viper.Viper) *cobra.Command {
	var opts inspectOptions
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Wrap every file and field of a schema and report cache behaviour",
		Long: `inspect loads a schema from protoset files, .proto sources, or a gRPC
server's reflection service. It then wraps every file and field descriptor,
several times over, while holding on to the wrappers from the first pass.
Later passes must find the same wrappers in the object cache. Once all
wrappers are released the cache must be empty again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.output = v.GetString("output")
			opts.importPaths = v.GetStringSlice("import_paths")
			return runInspect(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.protosets, "protoset", nil, "protoset files to load")
	flags.StringSliceVar(&opts.protoFiles, "proto", nil, ".proto source files to compile")
	flags.StringSliceP("import-path", "I", nil, "import paths for .proto sources")
	flags.StringVar(&opts.reflectAddr, "reflect-addr", "", "address of a gRPC server to load the schema from with server reflection")
	flags.StringSliceVar(&opts.services, "service", nil, "services to load with server reflection (default all)")
	flags.IntVar(&opts.passes, "passes", 2, "number of times to wrap every descriptor")
	flags.BoolVar(&opts.metrics, "metrics", false, "also print object cache metrics in Prometheus text format")
	_ = v.BindPFlag("import_paths", flags.Lookup("import-path"))
	return cmd
}

func runInspect(ctx context.Context, opts inspectOptions, w io.Writer) error {
	if opts.passes < 1 {
		return fmt.Errorf("passes must be at least 1, got %d", opts.passes)
	}
	if _, err := formatterFor(opts.output); err != nil {
		return err
	}
	store, err := loadStore(ctx, opts)
	if err != nil {
		return err
	}

	collector := objcache.NewCollector("protobind")
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		_ = store.Close()
		return err
	}
	in, err := binding.NewInterpreter(binding.WithCollector(collector))
	if err != nil {
		_ = store.Close()
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	var rep report
	rep.Interpreter = in.ID().String()
	err = in.Do(ctx, func(ctx context.Context) error {
		return inspectStore(ctx, store, opts.passes, &rep)
	})
	if err != nil {
		return err
	}

	if err := writeReport(w, opts.output, &rep); err != nil {
		return err
	}
	if opts.metrics {
		// Gathering takes the interpreter lock, so it must happen outside Do.
		return writeMetrics(w, registry)
	}
	return nil
}

func loadStore(ctx context.Context, opts inspectOptions) (*descstore.Store, error) {
	var sources int
	for _, set := range []bool{len(opts.protosets) > 0, len(opts.protoFiles) > 0, opts.reflectAddr != "" || opts.conn != nil} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, errors.New("exactly one of --protoset, --proto or --reflect-addr is required")
	}

	switch {
	case len(opts.protosets) > 0:
		return descstore.LoadProtosets(ctx, opts.protosets...)
	case len(opts.protoFiles) > 0:
		store := descstore.New()
		_, err := store.CompileSources(ctx, descstore.SourceOptions{ImportPaths: opts.importPaths}, opts.protoFiles...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		conn := opts.conn
		if conn == nil {
			cc, err := grpc.NewClient(opts.reflectAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, err
			}
			defer func() {
				_ = cc.Close()
			}()
			conn = cc
		}
		return descstore.FromReflection(ctx, conn, opts.services...)
	}
}

// inspectStore wraps the store's contents the given number of times and
// fills in rep. The store is closed when done.
func inspectStore(ctx context.Context, store *descstore.Store, passes int, rep *report) error {
	state := binding.GetState(ctx)
	if state == nil {
		return errors.New("no interpreter in context")
	}
	baseline := state.ObjCache.Stats()
	pool, err := state.GetOrCreatePool(store)
	if err != nil {
		_ = store.Close()
		return err
	}
	err = runPasses(state, pool, passes, rep)
	pool.DecRef()
	if err != nil {
		return err
	}

	stats := state.ObjCache.Stats()
	rep.Cache.Adds = stats.Adds - baseline.Adds
	rep.Cache.Deletes = stats.Deletes - baseline.Deletes
	rep.Cache.Hits = stats.Hits - baseline.Hits
	rep.Cache.Misses = stats.Misses - baseline.Misses
	rep.Cache.LiveAfterRelease = stats.Live - baseline.Live
	return nil
}

// runPasses holds the wrappers of the first pass until all passes are done,
// so that later passes must find them in the cache.
func runPasses(state *binding.ModuleState, pool *binding.DescriptorPool, passes int, rep *report) error {
	var held []hostobj.Object
	defer func() {
		for _, obj := range held {
			obj.DecRef()
		}
	}()

	rep.Cache.Stable = true
	for pass := range passes {
		var objs []hostobj.Object
		files, err := wrapFiles(state, pool, func(obj hostobj.Object) {
			objs = append(objs, obj)
		})
		if err != nil {
			for _, obj := range objs {
				obj.DecRef()
			}
			return err
		}
		if pass == 0 {
			held = objs
			rep.Files = files
			rep.Cache.Wrapped = len(objs)
			continue
		}
		if len(objs) != len(held) {
			rep.Cache.Stable = false
		}
		for i, obj := range objs {
			if i >= len(held) || held[i] != obj {
				rep.Cache.Stable = false
			}
			obj.DecRef()
		}
	}
	return nil
}

// wrapFiles wraps every file in the pool, and every field and extension in
// each file, passing each new reference to keep.
func wrapFiles(state *binding.ModuleState, pool *binding.DescriptorPool, keep func(hostobj.Object)) ([]fileReport, error) {
	var paths []string
	pool.Store().RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		paths = append(paths, fd.Path())
		return true
	})
	sort.Strings(paths)

	files := make([]fileReport, 0, len(paths))
	for _, path := range paths {
		fdw, err := pool.FindFileByName(path)
		if err != nil {
			return nil, err
		}
		keep(fdw)
		rep := fileReport{
			Path:    path,
			Package: fdw.Package(),
			Syntax:  fdw.Syntax(),
		}
		wrapField := func(fld protoreflect.FieldDescriptor) error {
			w, err := state.GetOrCreateFieldDescriptor(fld, pool)
			if err != nil {
				return err
			}
			keep(w)
			if w.IsExtension() {
				rep.Extensions++
			} else {
				rep.Fields++
			}
			return nil
		}
		fd := binding.FileDescriptorGetDef(fdw)
		err = walkFields(fd.Messages(), fd.Extensions(), func(md protoreflect.MessageDescriptor) {
			rep.Messages++
		}, wrapField)
		if err != nil {
			return nil, err
		}
		files = append(files, rep)
	}
	return files, nil
}

func walkFields(msgs protoreflect.MessageDescriptors, exts protoreflect.ExtensionDescriptors, onMessage func(protoreflect.MessageDescriptor), fn func(protoreflect.FieldDescriptor) error) error {
	for i := range exts.Len() {
		if err := fn(exts.Get(i)); err != nil {
			return err
		}
	}
	for i := range msgs.Len() {
		md := msgs.Get(i)
		if md.IsMapEntry() {
			continue
		}
		onMessage(md)
		fields := md.Fields()
		for j := range fields.Len() {
			if err := fn(fields.Get(j)); err != nil {
				return err
			}
		}
		if err := walkFields(md.Messages(), md.Extensions(), onMessage, fn); err != nil {
			return err
		}
	}
	return nil
}

package descstore

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	refv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// FromReflection downloads schemas from a gRPC server using the server
// reflection service (grpc.reflection.v1) and returns a store containing
// them. If no service names are given, every service the server advertises
// is loaded. Transitive imports are fetched as needed.
func FromReflection(ctx context.Context, cc grpc.ClientConnInterface, services ...string) (*Store, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := refv1.NewServerReflectionClient(cc).ServerReflectionInfo(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = stream.CloseSend()
	}()
	f := &reflectionFetcher{stream: stream, protos: map[string]*descriptorpb.FileDescriptorProto{}}

	if len(services) == 0 {
		services, err = f.listServices()
		if err != nil {
			return nil, err
		}
	}
	var order []string
	for _, svc := range services {
		names, err := f.fetch(&refv1.ServerReflectionRequest{
			MessageRequest: &refv1.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: svc},
		})
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svc, err)
		}
		order = append(order, names...)
	}
	// Fetch any imports the server did not send along with the files.
	for i := 0; i < len(order); i++ {
		for _, dep := range f.protos[order[i]].GetDependency() {
			if _, ok := f.protos[dep]; ok {
				continue
			}
			names, err := f.fetch(&refv1.ServerReflectionRequest{
				MessageRequest: &refv1.ServerReflectionRequest_FileByFilename{FileByFilename: dep},
			})
			if err != nil {
				return nil, fmt.Errorf("file %q (imported by %q): %w", dep, order[i], err)
			}
			order = append(order, names...)
		}
	}

	set := &descriptorpb.FileDescriptorSet{File: make([]*descriptorpb.FileDescriptorProto, len(order))}
	for i, name := range order {
		set.File[i] = f.protos[name]
	}
	return FromFileDescriptorSet(set)
}

type reflectionStream interface {
	Send(*refv1.ServerReflectionRequest) error
	Recv() (*refv1.ServerReflectionResponse, error)
	CloseSend() error
}

type reflectionFetcher struct {
	stream reflectionStream
	protos map[string]*descriptorpb.FileDescriptorProto
}

func (f *reflectionFetcher) send(req *refv1.ServerReflectionRequest) (*refv1.ServerReflectionResponse, error) {
	if err := f.stream.Send(req); err != nil {
		return nil, err
	}
	resp, err := f.stream.Recv()
	if err != nil {
		return nil, err
	}
	if errResp := resp.GetErrorResponse(); errResp != nil {
		code := codes.Code(errResp.GetErrorCode())
		if code == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, errResp.GetErrorMessage())
		}
		return nil, status.Error(code, errResp.GetErrorMessage())
	}
	return resp, nil
}

func (f *reflectionFetcher) listServices() ([]string, error) {
	resp, err := f.send(&refv1.ServerReflectionRequest{
		MessageRequest: &refv1.ServerReflectionRequest_ListServices{ListServices: "*"},
	})
	if err != nil {
		return nil, err
	}
	list := resp.GetListServicesResponse()
	if list == nil {
		return nil, fmt.Errorf("server replied to list services request with wrong response type")
	}
	names := make([]string, len(list.GetService()))
	for i, svc := range list.GetService() {
		names[i] = svc.GetName()
	}
	return names, nil
}

// fetch sends a request for file descriptors and records any new files. It
// returns the names of the files that had not been seen before.
func (f *reflectionFetcher) fetch(req *refv1.ServerReflectionRequest) ([]string, error) {
	resp, err := f.send(req)
	if err != nil {
		return nil, err
	}
	fdResp := resp.GetFileDescriptorResponse()
	if fdResp == nil {
		return nil, fmt.Errorf("server replied to file descriptor request with wrong response type")
	}
	var added []string
	for _, data := range fdResp.GetFileDescriptorProto() {
		var fd descriptorpb.FileDescriptorProto
		if err := proto.Unmarshal(data, &fd); err != nil {
			return nil, fmt.Errorf("server sent malformed file descriptor: %w", err)
		}
		if _, ok := f.protos[fd.GetName()]; ok {
			continue
		}
		f.protos[fd.GetName()] = &fd
		added = append(added, fd.GetName())
	}
	return added, nil
}

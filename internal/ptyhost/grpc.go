package ptyhost

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
)

const ServiceName = "xragent.ptyhost.v1.PtyHost"

// PtyHostServer is the server API of the pty host.
type PtyHostServer interface {
	CreateProcess(context.Context, *CreateProcessRequest) (*CreateProcessResponse, error)
	Start(context.Context, *IDRequest) (*StartResponse, error)
	Input(context.Context, *InputRequest) (*Empty, error)
	ProcessBinary(context.Context, *InputRequest) (*Empty, error)
	Resize(context.Context, *ResizeRequest) (*Empty, error)
	ClearBuffer(context.Context, *IDRequest) (*Empty, error)
	Shutdown(context.Context, *ShutdownRequest) (*Empty, error)
	AcknowledgeDataEvent(context.Context, *AcknowledgeRequest) (*Empty, error)
	GetInitialCwd(context.Context, *IDRequest) (*StringResponse, error)
	GetCwd(context.Context, *IDRequest) (*StringResponse, error)
	ListProcesses(context.Context, *Empty) (*ListProcessesResponse, error)
	AttachToProcess(context.Context, *IDRequest) (*Empty, error)
	DetachFromProcess(context.Context, *DetachRequest) (*Empty, error)
	OrphanQuestionReply(context.Context, *IDRequest) (*Empty, error)
	UpdateTitle(context.Context, *UpdateTitleRequest) (*Empty, error)
	UpdateIcon(context.Context, *UpdateIconRequest) (*Empty, error)
	SetUnicodeVersion(context.Context, *UnicodeVersionRequest) (*Empty, error)
	ReduceConnectionGraceTime(context.Context, *Empty) (*Empty, error)
	GetTerminalLayoutInfo(context.Context, *WorkspaceRequest) (*LayoutInfo, error)
	SetTerminalLayoutInfo(context.Context, *LayoutInfo) (*Empty, error)
	SerializeTerminalState(context.Context, *SerializeRequest) (*StringResponse, error)
	ReviveTerminalProcesses(context.Context, *ReviveRequest) (*Empty, error)
	GetRevivedPtyNewID(context.Context, *RevivedIDRequest) (*RevivedIDResponse, error)
	GetDefaultSystemShell(context.Context, *ShellRequest) (*StringResponse, error)
	GetEnvironment(context.Context, *Empty) (*EnvironmentResponse, error)
	GetProfiles(context.Context, *ProfilesRequest) (*ProfilesResponse, error)
	FreePortKillProcess(context.Context, *PortRequest) (*PortResponse, error)
	Events(*EventsRequest, EventsServer) error
}

// EventsServer is the server side of the Events stream.
type EventsServer interface {
	Send(*Event) error
	SendHeader(metadata.MD) error
	Context() context.Context
}

type eventsServer struct {
	grpc.ServerStream
}

func (s *eventsServer) Send(ev *Event) error { return s.ServerStream.SendMsg(ev) }

func unary[Req, Resp any](name string, fn func(PtyHostServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(PtyHostServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(PtyHostServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PtyHostServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateProcess", PtyHostServer.CreateProcess),
		unary("Start", PtyHostServer.Start),
		unary("Input", PtyHostServer.Input),
		unary("ProcessBinary", PtyHostServer.ProcessBinary),
		unary("Resize", PtyHostServer.Resize),
		unary("ClearBuffer", PtyHostServer.ClearBuffer),
		unary("Shutdown", PtyHostServer.Shutdown),
		unary("AcknowledgeDataEvent", PtyHostServer.AcknowledgeDataEvent),
		unary("GetInitialCwd", PtyHostServer.GetInitialCwd),
		unary("GetCwd", PtyHostServer.GetCwd),
		unary("ListProcesses", PtyHostServer.ListProcesses),
		unary("AttachToProcess", PtyHostServer.AttachToProcess),
		unary("DetachFromProcess", PtyHostServer.DetachFromProcess),
		unary("OrphanQuestionReply", PtyHostServer.OrphanQuestionReply),
		unary("UpdateTitle", PtyHostServer.UpdateTitle),
		unary("UpdateIcon", PtyHostServer.UpdateIcon),
		unary("SetUnicodeVersion", PtyHostServer.SetUnicodeVersion),
		unary("ReduceConnectionGraceTime", PtyHostServer.ReduceConnectionGraceTime),
		unary("GetTerminalLayoutInfo", PtyHostServer.GetTerminalLayoutInfo),
		unary("SetTerminalLayoutInfo", PtyHostServer.SetTerminalLayoutInfo),
		unary("SerializeTerminalState", PtyHostServer.SerializeTerminalState),
		unary("ReviveTerminalProcesses", PtyHostServer.ReviveTerminalProcesses),
		unary("GetRevivedPtyNewID", PtyHostServer.GetRevivedPtyNewID),
		unary("GetDefaultSystemShell", PtyHostServer.GetDefaultSystemShell),
		unary("GetEnvironment", PtyHostServer.GetEnvironment),
		unary("GetProfiles", PtyHostServer.GetProfiles),
		unary("FreePortKillProcess", PtyHostServer.FreePortKillProcess),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Events",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(EventsRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(PtyHostServer).Events(in, &eventsServer{stream})
		},
	}},
	Metadata: "xragent/ptyhost/v1/ptyhost.json",
}

func RegisterPtyHostServer(s grpc.ServiceRegistrar, srv PtyHostServer) {
	s.RegisterService(&serviceDesc, srv)
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

package engine

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Engine)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Execute",
		Handler:       executeHandler,
		ServerStreams: true,
	}},
	Metadata: "threatwatch/engine/v1/engine.proto",
}

// RegisterEngineServer exposes e as the engine service on s, so an engine
// written in Go can serve the same protocol GrpcClient speaks.
func RegisterEngineServer(s grpc.ServiceRegistrar, e Engine) {
	s.RegisterService(&engineServiceDesc, e)
}

func executeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req, err := decodeRequest(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	var sendErr error
	output, err := srv.(Engine).Execute(stream.Context(), req, func(s Step) {
		if sendErr == nil {
			sendErr = stream.SendMsg(stepMessage(s))
		}
	})
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return stream.SendMsg(errorMessage(err))
	}
	return stream.SendMsg(resultMessage(output))
}

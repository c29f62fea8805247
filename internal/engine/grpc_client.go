package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/threatwatch/internal/domain"
)

const (
	serviceName   = "threatwatch.engine.v1.AgentEngine"
	executeMethod = "/" + serviceName + "/Execute"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNoResult                 = errors.New("stream ended without a result")
)

var executeStreamDesc = grpc.StreamDesc{
	StreamName:    "Execute",
	ServerStreams: true,
}

// GrpcClient runs stages on a remote engine service over a server-streaming
// gRPC call. Messages are google.protobuf.Struct values so the service can be
// implemented in any language without shared generated code.
type GrpcClient struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the engine service and waits until the
// connection is ready. Extra dial options are appended after the defaults.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad engine endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("engine at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to engine service", "address", cfg.Address)

	return &GrpcClient{
		conn:   conn,
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Execute sends the stage request and relays step messages to onStep until
// the service sends a result or an error.
func (c *GrpcClient) Execute(ctx context.Context, req Request, onStep StepFunc) (string, error) {
	msg, err := encodeRequest(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEngineFailure, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &executeStreamDesc, executeMethod)
	if err != nil {
		return "", fmt.Errorf("%w: open stream: %v", domain.ErrEngineFailure, err)
	}
	if err := stream.SendMsg(msg); err != nil {
		return "", fmt.Errorf("%w: send request: %v", domain.ErrEngineFailure, err)
	}
	if err := stream.CloseSend(); err != nil {
		return "", fmt.Errorf("%w: close send: %v", domain.ErrEngineFailure, err)
	}

	c.logger.Debug("Stage dispatched to engine", "session_id", req.SessionID, "stage", req.Stage)

	for {
		resp := new(structpb.Struct)
		err := stream.RecvMsg(resp)
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: %v", domain.ErrEngineFailure, errNoResult)
		}
		if err != nil {
			return "", fmt.Errorf("%w: stream: %v", domain.ErrEngineFailure, err)
		}

		fields := resp.GetFields()
		switch kind := fields["kind"].GetStringValue(); kind {
		case kindStep:
			if onStep != nil {
				onStep(Step{
					Thought:   fields["thought"].GetStringValue(),
					Action:    fields["action"].GetStringValue(),
					ToolInput: fields["tool_input"].GetStringValue(),
				})
			}
		case kindResult:
			return fields["output"].GetStringValue(), nil
		case kindError:
			return "", fmt.Errorf("%w: %s", domain.ErrEngineFailure, fields["message"].GetStringValue())
		default:
			c.logger.Warn("Ignoring unknown engine message", "kind", kind, "stage", req.Stage)
		}
	}
}

var _ Engine = (*GrpcClient)(nil)

package semantic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// The classifier service speaks google.protobuf.Struct in both directions:
// request {"text": string}, response {"label": string, "confidence": number,
// "model": string}.
const (
	ServiceName    = "warden.semantic.v1.Classifier"
	classifyMethod = "/" + ServiceName + "/Classify"
)

// ErrInvalidRequest marks a request that could not be encoded locally. It
// says nothing about the classifier's health.
var ErrInvalidRequest = errors.New("invalid classify request")

// GRPCClassifier calls a remote classifier service.
type GRPCClassifier struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// NewGRPCClassifier dials endpoint lazily; no connection is made until the
// first call.
func NewGRPCClassifier(endpoint string, logger *zap.Logger) (*GRPCClassifier, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.WaitForReady(true),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("NewGRPCClassifier: %w", err)
	}

	logger.Info("semantic classifier configured",
		zap.String("endpoint", endpoint),
	)

	return &GRPCClassifier{conn: conn, logger: logger}, nil
}

func (g *GRPCClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	// proto strings must be valid UTF-8.
	req, err := structpb.NewStruct(map[string]any{"text": strings.ToValidUTF8(text, "\uFFFD")})
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, classifyMethod, req, resp); err != nil {
		return Classification{}, fmt.Errorf("classify: %w", err)
	}
	fields := resp.GetFields()
	return Classification{
		Label:      fields["label"].GetStringValue(),
		Confidence: fields["confidence"].GetNumberValue(),
		Model:      fields["model"].GetStringValue(),
	}, nil
}

// Close shuts down the gRPC connection.
func (g *GRPCClassifier) Close() error {
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// RegisterClassifierServer exposes c on s under the classifier service name.
func RegisterClassifierServer(s *grpc.Server, c Classifier) {
	s.RegisterService(&classifierServiceDesc, c)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Classifier)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warden/semantic/v1/classifier.proto",
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		text := req.(*structpb.Struct).GetFields()["text"].GetStringValue()
		c, err := srv.(Classifier).Classify(ctx, text)
		if err != nil {
			return nil, err
		}
		return structpb.NewStruct(map[string]any{
			"label":      c.Label,
			"confidence": c.Confidence,
			"model":      c.Model,
		})
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyMethod}
	return interceptor(ctx, in, info, handle)
}

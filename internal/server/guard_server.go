// Package server exposes the guard over gRPC. Messages are
// google.protobuf.Struct values, the same encoding the semantic classifier
// service uses, so clients need no generated stubs.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/warden/internal/auth"
	"github.com/triage-ai/warden/internal/guard"
	"github.com/triage-ai/warden/internal/routing"
	"github.com/triage-ai/warden/internal/sanitizer"
	"github.com/triage-ai/warden/internal/validator"
)

const ServiceName = "warden.guard.v1.Guard"

// Full method names, for clients calling conn.Invoke.
const (
	ValidateMethod  = "/" + ServiceName + "/Validate"
	SanitizeMethod  = "/" + ServiceName + "/Sanitize"
	CheckToolMethod = "/" + ServiceName + "/CheckTool"
)

// GuardServer implements the Guard gRPC service.
type GuardServer struct {
	runtime *guard.Runtime
	auth    auth.Authenticator
	logger  *zap.Logger
}

// NewGuardServer creates a GuardServer. A nil authenticator admits every
// caller.
func NewGuardServer(runtime *guard.Runtime, authenticator auth.Authenticator, logger *zap.Logger) *GuardServer {
	return &GuardServer{runtime: runtime, auth: authenticator, logger: logger}
}

// Register exposes s on gs.
func Register(gs *grpc.Server, s *GuardServer) {
	gs.RegisterService(&guardServiceDesc, s)
}

func (s *GuardServer) authenticate(ctx context.Context) error {
	if s.auth == nil {
		return nil
	}
	token, err := auth.ExtractBearerTokenFromMetadata(ctx)
	if err != nil {
		return status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	if _, err := s.auth.Authenticate(ctx, token); err != nil {
		if errors.Is(err, auth.ErrAuthUnavailable) {
			return status.Error(codes.Unavailable, "authentication temporarily unavailable")
		}
		return status.Error(codes.Unauthenticated, "invalid API key")
	}
	return nil
}

// Validate implements Guard.Validate. Like the HTTP API it never returns
// the input or the reasons behind a decision.
func (s *GuardServer) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	f := req.GetFields()
	text := f["text"].GetStringValue()
	if text == "" {
		return nil, status.Error(codes.InvalidArgument, "text is required")
	}

	g := s.runtime.Current()
	res := g.Validate(ctx, text, validator.Options{
		UserID:    f["user_id"].GetStringValue(),
		SessionID: f["session_id"].GetStringValue(),
		Metadata:  f["metadata"].GetStructValue().AsMap(),
	})

	tier := routing.Decide(res)
	var message string
	if tier != routing.Privileged {
		message = g.Config.BlockedMessage
	}
	return structpb.NewStruct(map[string]any{
		"request_id":          uuid.NewString(),
		"context_id":          res.Context.ID(),
		"tier":                tier.String(),
		"allowed":             !res.IsBlocked,
		"requires_quarantine": res.RequiresQuarantine,
		"trust_level":         res.TrustLevel.String(),
		"trust_score":         res.Details.TrustScore,
		"message":             message,
		"latency_ms":          float64(time.Since(start)) / float64(time.Millisecond),
	})
}

// Sanitize implements Guard.Sanitize.
func (s *GuardServer) Sanitize(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	var opts sanitizer.Options
	if v, ok := f["remove_all_urls"]; ok {
		b := v.GetBoolValue()
		opts.RemoveAllURLs = &b
	}
	if v, ok := f["remove_html"]; ok {
		b := v.GetBoolValue()
		opts.RemoveHTML = &b
	}

	report := s.runtime.Current().Sanitize(f["text"].GetStringValue(), opts)
	return structpb.NewStruct(map[string]any{
		"sanitized": report.Sanitized,
		"actions":   stringList(report.Actions),
		"findings":  len(report.Findings),
	})
}

// CheckTool implements Guard.CheckTool.
func (s *GuardServer) CheckTool(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	tool := f["tool"].GetStringValue()
	if tool == "" {
		return nil, status.Error(codes.InvalidArgument, "tool is required")
	}
	var approved []string
	for _, v := range f["approved_tools"].GetListValue().GetValues() {
		approved = append(approved, v.GetStringValue())
	}

	d := s.runtime.Current().CheckTool(tool, f["trust_level"].GetStringValue(), f["user_id"].GetStringValue(), approved)
	return structpb.NewStruct(map[string]any{
		"tool":           d.Tool,
		"allowed":        d.Allowed,
		"required_trust": d.RequiredTrust.String(),
		"actual_trust":   d.ActualTrust.String(),
		"reason":         d.Reason,
	})
}

// stringList converts for structpb, which only accepts []any lists.
func stringList(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

type guardService interface {
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sanitize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(*GuardServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, fn unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*GuardServer)
		handle := func(ctx context.Context, req any) (any, error) {
			if err := s.authenticate(ctx); err != nil {
				return nil, err
			}
			return fn(s, ctx, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, handle)
	}
}

var guardServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*guardService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Validate", Handler: unaryHandler(ValidateMethod, (*GuardServer).Validate)},
		{MethodName: "Sanitize", Handler: unaryHandler(SanitizeMethod, (*GuardServer).Sanitize)},
		{MethodName: "CheckTool", Handler: unaryHandler(CheckToolMethod, (*GuardServer).CheckTool)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "warden/guard/v1/guard.proto",
}

// Package server exposes the query facade over gRPC.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

// Querier is the read API served by Server.
type Querier interface {
	ListMachines() []models.MachineSummary
	GetMachine(ctx context.Context, id string) (models.MachineDetail, bool)
}

// Server implements QueryServer on top of the query facade.
type Server struct {
	query Querier
	log   *zap.Logger
}

// New creates a new server instance.
func New(q Querier, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{query: q, log: log.Named("grpc")}
}

// RegisterGRPC registers the gRPC handlers.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&queryServiceDesc, s)
}

// ---------- gRPC handlers ----------

// Ping handler (for connectivity test)
func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String("pong from machine-status collector"), nil
}

func (s *Server) ListMachines(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list := s.query.ListMachines()
	if list == nil {
		list = []models.MachineSummary{}
	}
	return toStruct(machineList{Machines: list})
}

func (s *Server) GetMachine(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "machine id required")
	}
	d, ok := s.query.GetMachine(ctx, id)
	if !ok {
		s.log.Debug("machine not found", zap.String("machine_id", id))
		return nil, status.Errorf(codes.NotFound, "machine %q not found", id)
	}
	return toStruct(d)
}

type machineList struct {
	Machines []models.MachineSummary `json:"machines"`
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// LoggingInterceptor logs failed calls and slow ones.
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	log = log.Named("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)
		switch {
		case err != nil && status.Code(err) != codes.NotFound:
			log.Warn("call failed", zap.String("method", info.FullMethod), zap.Duration("elapsed", elapsed), zap.Error(err))
		case elapsed > time.Second:
			log.Info("slow call", zap.String("method", info.FullMethod), zap.Duration("elapsed", elapsed))
		}
		return resp, err
	}
}

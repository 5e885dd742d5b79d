package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/galavrah/machine-status-monitoring/internal/models"
)

var ErrNotFound = errors.New("machine not found")

// Client calls a remote QueryService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security. Extra options are
// applied after the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Ping(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, fullMethod("Ping"), &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) ListMachines(ctx context.Context) ([]models.MachineSummary, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("ListMachines"), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var list machineList
	if err := fromStruct(out, &list); err != nil {
		return nil, err
	}
	return list.Machines, nil
}

// GetMachine returns ErrNotFound for a machine the collector has never seen.
func (c *Client) GetMachine(ctx context.Context, id string) (models.MachineDetail, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetMachine"), wrapperspb.String(id), out); err != nil {
		if status.Code(err) == codes.NotFound {
			return models.MachineDetail{}, ErrNotFound
		}
		return models.MachineDetail{}, err
	}
	var d models.MachineDetail
	err := fromStruct(out, &d)
	return d, err
}

package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// Client calls WorldService on a remote node.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a plaintext connection to addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) statusCall(ctx context.Context, method string, in *structpb.Struct) (types.WorldStatus, error) {
	out, err := c.invoke(ctx, method, in)
	if err != nil {
		return "", err
	}
	return decodeStatus(out)
}

// CreateWorld asks the node to join rank id.Rank of a world of the given size.
func (c *Client) CreateWorld(ctx context.Context, id types.WorldID, size int, backendKind string, peers []string) (types.WorldStatus, error) {
	in, err := encodeCreate(createRequest{ID: id, Size: size, Backend: backendKind, Peers: peers})
	if err != nil {
		return "", err
	}
	return c.statusCall(ctx, "CreateWorld", in)
}

// DestroyWorld asks the node to tear the world down.
func (c *Client) DestroyWorld(ctx context.Context, id types.WorldID) (types.WorldStatus, error) {
	in, err := structpb.NewStruct(encodeWorldID(id))
	if err != nil {
		return "", err
	}
	return c.statusCall(ctx, "DestroyWorld", in)
}

// GetStatus returns the status of one world.
func (c *Client) GetStatus(ctx context.Context, id types.WorldID) (types.WorldStatus, error) {
	in, err := structpb.NewStruct(encodeWorldID(id))
	if err != nil {
		return "", err
	}
	return c.statusCall(ctx, "GetStatus", in)
}

// ListWorlds returns the node id and its worlds.
func (c *Client) ListWorlds(ctx context.Context) (string, []world.WorldInfo, error) {
	out, err := c.invoke(ctx, "ListWorlds", &structpb.Struct{})
	if err != nil {
		return "", nil, err
	}
	return decodeList(out)
}

// Execute runs one operation on the node and waits for its result.
func (c *Client) Execute(ctx context.Context, id types.WorldID, req backend.Request) (backend.Result, error) {
	in, err := encodeExecute(id, req)
	if err != nil {
		return backend.Result{}, err
	}
	out, err := c.invoke(ctx, "Execute", in)
	if err != nil {
		return backend.Result{}, err
	}
	return decodeResult(out)
}

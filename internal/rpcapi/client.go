package rpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin wrapper over a grpc.ClientConn dialed to a candidate
// leader, for submitting a SealAndExtendChain request via any admin node.
// Callers are expected to retry against a different admin node on
// errNotLeader-shaped failures.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target using this package's JSON codec in place of the
// usual protobuf wire codec (see codec.go).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	allOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	}, opts...)
	conn, err := grpc.Dial(target, allOpts...)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: dialing %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// SealAndExtendChain invokes the leader's reconfiguration RPC.
func (c *Client) SealAndExtendChain(ctx context.Context, req SealAndExtendRequest) (SealAndExtendResponse, error) {
	var resp SealAndExtendResponse
	fullMethod := "/" + serviceName + "/SealAndExtendChain"
	if err := c.conn.Invoke(ctx, fullMethod, &req, &resp); err != nil {
		return SealAndExtendResponse{}, err
	}
	return resp, nil
}

package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a remote WarmupService
type Client struct {
	conn *grpclib.ClientConn
}

// Dial connects to a warmupd server at target
func Dial(target string, opts ...grpclib.DialOption) (*Client, error) {
	opts = append([]grpclib.DialOption{
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
		grpclib.WithDefaultCallOptions(grpclib.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpclib.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
}

func (c *Client) ReadyAccounts(ctx context.Context, req *ReadyAccountsRequest) (*ReadyAccountsResponse, error) {
	resp := new(ReadyAccountsResponse)
	return resp, c.invoke(ctx, "ReadyAccounts", req, resp)
}

func (c *Client) AdvancePhase(ctx context.Context, req *AdvancePhaseRequest) (*AdvancePhaseResponse, error) {
	resp := new(AdvancePhaseResponse)
	return resp, c.invoke(ctx, "AdvancePhase", req, resp)
}

func (c *Client) RequeuePhase(ctx context.Context, req *RequeuePhaseRequest) (*PhaseResponse, error) {
	resp := new(PhaseResponse)
	return resp, c.invoke(ctx, "RequeuePhase", req, resp)
}

func (c *Client) WarmupStatus(ctx context.Context, req *WarmupStatusRequest) (*WarmupStatusResponse, error) {
	resp := new(WarmupStatusResponse)
	return resp, c.invoke(ctx, "WarmupStatus", req, resp)
}

func (c *Client) TransitionLifecycle(ctx context.Context, req *TransitionRequest) (*TransitionResponse, error) {
	resp := new(TransitionResponse)
	return resp, c.invoke(ctx, "TransitionLifecycle", req, resp)
}

func (c *Client) AssignContainer(ctx context.Context, req *AssignContainerRequest) (*ActionResponse, error) {
	resp := new(ActionResponse)
	return resp, c.invoke(ctx, "AssignContainer", req, resp)
}

func (c *Client) AssignProxy(ctx context.Context, req *AssignProxyRequest) (*ActionResponse, error) {
	resp := new(ActionResponse)
	return resp, c.invoke(ctx, "AssignProxy", req, resp)
}

func (c *Client) PauseAccount(ctx context.Context, req *PauseAccountRequest) (*ActionResponse, error) {
	resp := new(ActionResponse)
	return resp, c.invoke(ctx, "PauseAccount", req, resp)
}

// EventStream calls fn for every event until the stream ends or ctx is done
func (c *Client) EventStream(ctx context.Context, req *EventStreamRequest, fn func(*ServerEvent) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/EventStream")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		evt := new(ServerEvent)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

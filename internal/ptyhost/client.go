package ptyhost

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Client talks to a pty host.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the pty host listening on socketPath. The connection is
// established lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial pty host: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}
}

func (c *Client) Close() error { return c.conn.Close() }

// Heartbeat fails unless the pty host reports itself serving.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("pty host is %s", resp.GetStatus())
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

func call[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateProcess(ctx context.Context, req *CreateProcessRequest) (int, error) {
	resp, err := call[CreateProcessResponse](ctx, c, "CreateProcess", req)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Start returns the launch error of a terminal that failed to start.
func (c *Client) Start(ctx context.Context, id int) (*LaunchError, error) {
	resp, err := call[StartResponse](ctx, c, "Start", &IDRequest{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Error, nil
}

func (c *Client) Input(ctx context.Context, id int, data string) error {
	return c.invoke(ctx, "Input", &InputRequest{ID: id, Data: data}, &Empty{})
}

func (c *Client) ProcessBinary(ctx context.Context, id int, data string) error {
	return c.invoke(ctx, "ProcessBinary", &InputRequest{ID: id, Data: data}, &Empty{})
}

func (c *Client) Resize(ctx context.Context, id, cols, rows int) error {
	return c.invoke(ctx, "Resize", &ResizeRequest{ID: id, Cols: cols, Rows: rows}, &Empty{})
}

func (c *Client) ClearBuffer(ctx context.Context, id int) error {
	return c.invoke(ctx, "ClearBuffer", &IDRequest{ID: id}, &Empty{})
}

func (c *Client) Shutdown(ctx context.Context, id int, immediate bool) error {
	return c.invoke(ctx, "Shutdown", &ShutdownRequest{ID: id, Immediate: immediate}, &Empty{})
}

func (c *Client) AcknowledgeDataEvent(ctx context.Context, id, charCount int) error {
	return c.invoke(ctx, "AcknowledgeDataEvent", &AcknowledgeRequest{ID: id, CharCount: charCount}, &Empty{})
}

func (c *Client) GetInitialCwd(ctx context.Context, id int) (string, error) {
	resp, err := call[StringResponse](ctx, c, "GetInitialCwd", &IDRequest{ID: id})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (c *Client) GetCwd(ctx context.Context, id int) (string, error) {
	resp, err := call[StringResponse](ctx, c, "GetCwd", &IDRequest{ID: id})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (c *Client) ListProcesses(ctx context.Context) ([]ProcessDetails, error) {
	resp, err := call[ListProcessesResponse](ctx, c, "ListProcesses", &Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Processes, nil
}

func (c *Client) AttachToProcess(ctx context.Context, id int) error {
	return c.invoke(ctx, "AttachToProcess", &IDRequest{ID: id}, &Empty{})
}

func (c *Client) DetachFromProcess(ctx context.Context, id int, forcePersist bool) error {
	return c.invoke(ctx, "DetachFromProcess", &DetachRequest{ID: id, ForcePersist: forcePersist}, &Empty{})
}

func (c *Client) OrphanQuestionReply(ctx context.Context, id int) error {
	return c.invoke(ctx, "OrphanQuestionReply", &IDRequest{ID: id}, &Empty{})
}

func (c *Client) UpdateTitle(ctx context.Context, req *UpdateTitleRequest) error {
	return c.invoke(ctx, "UpdateTitle", req, &Empty{})
}

func (c *Client) UpdateIcon(ctx context.Context, req *UpdateIconRequest) error {
	return c.invoke(ctx, "UpdateIcon", req, &Empty{})
}

func (c *Client) SetUnicodeVersion(ctx context.Context, id int, version string) error {
	return c.invoke(ctx, "SetUnicodeVersion", &UnicodeVersionRequest{ID: id, Version: version}, &Empty{})
}

func (c *Client) ReduceConnectionGraceTime(ctx context.Context) error {
	return c.invoke(ctx, "ReduceConnectionGraceTime", &Empty{}, &Empty{})
}

func (c *Client) GetTerminalLayoutInfo(ctx context.Context, workspaceID string) (*LayoutInfo, error) {
	return call[LayoutInfo](ctx, c, "GetTerminalLayoutInfo", &WorkspaceRequest{WorkspaceID: workspaceID})
}

func (c *Client) SetTerminalLayoutInfo(ctx context.Context, layout *LayoutInfo) error {
	return c.invoke(ctx, "SetTerminalLayoutInfo", layout, &Empty{})
}

func (c *Client) SerializeTerminalState(ctx context.Context, ids []int) (string, error) {
	resp, err := call[StringResponse](ctx, c, "SerializeTerminalState", &SerializeRequest{IDs: ids})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (c *Client) ReviveTerminalProcesses(ctx context.Context, req *ReviveRequest) error {
	return c.invoke(ctx, "ReviveTerminalProcesses", req, &Empty{})
}

func (c *Client) GetRevivedPtyNewID(ctx context.Context, workspaceID string, id int) (int, bool, error) {
	resp, err := call[RevivedIDResponse](ctx, c, "GetRevivedPtyNewID", &RevivedIDRequest{WorkspaceID: workspaceID, ID: id})
	if err != nil {
		return 0, false, err
	}
	return resp.ID, resp.Found, nil
}

func (c *Client) GetDefaultSystemShell(ctx context.Context, osOverride string) (string, error) {
	resp, err := call[StringResponse](ctx, c, "GetDefaultSystemShell", &ShellRequest{OS: osOverride})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

func (c *Client) GetEnvironment(ctx context.Context) (map[string]string, error) {
	resp, err := call[EnvironmentResponse](ctx, c, "GetEnvironment", &Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Env, nil
}

func (c *Client) GetProfiles(ctx context.Context, req *ProfilesRequest) ([]Profile, error) {
	resp, err := call[ProfilesResponse](ctx, c, "GetProfiles", req)
	if err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

func (c *Client) FreePortKillProcess(ctx context.Context, port int) (*PortResponse, error) {
	return call[PortResponse](ctx, c, "FreePortKillProcess", &PortRequest{Port: port})
}

// EventStream receives terminal events.
type EventStream struct {
	stream grpc.ClientStream
}

func (s *EventStream) Recv() (*Event, error) {
	ev := new(Event)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Events subscribes to terminal events until ctx is cancelled. It returns
// once the subscription is live.
func (c *Client) Events(ctx context.Context) (*EventStream, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/Events", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&EventsRequest{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	if _, err := stream.Header(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

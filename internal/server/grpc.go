package server

// ============================================================================
// gRPC 控制介面
// ============================================================================
//
// 服務 docflow.v1.JobService，訊息一律是 google.protobuf.Struct，欄位與 HTTP
// JSON 相同，因此不需要產生程式碼：
//
//   Submit {config, inputRef, filename?}  -> {jobId}
//   Cancel {jobId}                        -> {jobId, cancelRequested}
//   Get    {jobId}                        -> Job
//   List   {owner?}                       -> {jobs}
//   Events {jobId, since?}                -> {events}
//   Watch  {jobId, since?}                => stream of {type, payload}
//
// 呼叫者身分放在 metadata x-docflow-principal。
//
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/ChuLiYu/docflow/internal/broadcast"
	"github.com/ChuLiYu/docflow/internal/controller"
	"github.com/ChuLiYu/docflow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	grpcServiceName = "docflow.v1.JobService"
	// PrincipalMetadataKey carries the caller identity on gRPC calls.
	PrincipalMetadataKey = "x-docflow-principal"
)

// JobServiceServer is the server side of docflow.v1.JobService.
type JobServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Events(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

// JobServiceDesc describes docflow.v1.JobService for grpc.Server.RegisterService.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", JobServiceServer.Submit)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", JobServiceServer.Cancel)},
		{MethodName: "Get", Handler: unaryHandler("Get", JobServiceServer.Get)},
		{MethodName: "List", Handler: unaryHandler("List", JobServiceServer.List)},
		{MethodName: "Events", Handler: unaryHandler("Events", JobServiceServer.Events)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "docflow/v1/jobs.proto",
}

func unaryHandler(method string, call func(JobServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(JobServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobServiceServer).Watch(in, stream)
}

// RegisterGRPC exposes s on gs.
func (s *Server) RegisterGRPC(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&JobServiceDesc, &grpcService{srv: s})
}

// ============================================================================
// Server side
// ============================================================================

type grpcService struct {
	srv *Server
}

type jobIDRequest struct {
	JobID types.JobID `json:"jobId"`
	Since uint64      `json:"since"`
}

type listRequest struct {
	Owner string `json:"owner"`
}

func (g *grpcService) principal(ctx context.Context) (broadcast.Principal, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(PrincipalMetadataKey)
	if len(vals) == 0 || vals[0] == "" {
		return broadcast.Principal{}, errNoPrincipal
	}
	return g.srv.principal(vals[0]), nil
}

func (g *grpcService) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := g.principal(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	var req SubmitRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, grpcError(badRequest(err))
	}
	cfg, err := req.Config.Configuration()
	if err != nil {
		return nil, grpcError(badRequest(err))
	}
	input, err := resolveInput(req.InputRef, req.Filename, g.srv.cfg.InputRoots)
	if err != nil {
		return nil, grpcError(badRequest(err))
	}
	id, err := g.srv.reg.Submit(ctx, cfg, input, p.ID)
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(jobRef{JobID: id})
}

func (g *grpcService) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := g.principal(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	var req jobIDRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, grpcError(badRequest(err))
	}
	newly, err := g.srv.reg.Cancel(ctx, req.JobID, p)
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(map[string]any{"jobId": req.JobID, "cancelRequested": newly})
}

// authorizedJob mirrors the HTTP check.
func (g *grpcService) authorizedJob(ctx context.Context, id types.JobID) (broadcast.Principal, types.Job, error) {
	p, err := g.principal(ctx)
	if err != nil {
		return p, types.Job{}, err
	}
	job, err := g.srv.reg.Query(ctx, id)
	if err != nil {
		return p, job, err
	}
	if !p.Admin && job.Owner != p.ID {
		return p, job, controller.ErrForbidden
	}
	return p, job, nil
}

func (g *grpcService) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobIDRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, grpcError(badRequest(err))
	}
	_, job, err := g.authorizedJob(ctx, req.JobID)
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(job)
}

func (g *grpcService) List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := g.principal(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	var req listRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, grpcError(badRequest(err))
	}
	owner := req.Owner
	if owner == "" {
		owner = p.ID
	}

	var jobs []types.Job
	switch {
	case owner == "*" && p.Admin:
		jobs = g.srv.reg.List(nil)
	case owner == p.ID || p.Admin:
		jobs = g.srv.reg.ListForOwner(owner)
	default:
		return nil, grpcError(controller.ErrForbidden)
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	return encodeStruct(map[string]any{"jobs": jobs})
}

func (g *grpcService) Events(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobIDRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, grpcError(badRequest(err))
	}
	_, job, err := g.authorizedJob(ctx, req.JobID)
	if err != nil {
		return nil, grpcError(err)
	}
	events, err := g.srv.reg.Replay(ctx, job.ID, req.Since)
	if err != nil {
		return nil, grpcError(err)
	}
	if events == nil {
		events = []types.Event{}
	}
	return encodeStruct(map[string]any{"events": events})
}

// Watch streams live channel messages for one job until its terminal
// lifecycle event has been sent or the client goes away.
func (g *grpcService) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	var req jobIDRequest
	if err := decodeStruct(in, &req); err != nil {
		return grpcError(badRequest(err))
	}
	p, job, err := g.authorizedJob(ctx, req.JobID)
	if err != nil {
		return grpcError(err)
	}
	if job.Status.Terminal() && job.LastSeq() <= req.Since {
		return nil
	}

	ch := &streamChannel{stream: stream, done: make(chan struct{})}
	sub, err := g.srv.hub.Subscribe(ctx, job.ID, ch, p, broadcast.WithReplay(req.Since))
	if err != nil {
		return grpcError(err)
	}
	defer g.srv.hub.Unsubscribe(sub)

	select {
	case <-ch.done:
	case <-ctx.Done():
	case <-g.srv.done:
	}
	ch.shutdown()
	return nil
}

// streamChannel adapts a server stream to broadcast.Channel.
type streamChannel struct {
	stream grpc.ServerStream

	mu       sync.Mutex
	finished bool
	done     chan struct{}
}

func (c *streamChannel) Deliver(ctx context.Context, n broadcast.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return broadcast.ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, msg := range messagesFor(n) {
		st, err := encodeStruct(msg)
		if err != nil {
			return err
		}
		if err := c.stream.SendMsg(st); err != nil {
			c.finish()
			return errors.Join(broadcast.ErrChannelClosed, err)
		}
	}
	if n.Kind == broadcast.KindEvent && n.Event != nil && isTerminalEvent(n.Event.Kind) {
		c.finish()
	}
	return nil
}

// finish must be called with mu held.
func (c *streamChannel) finish() {
	if !c.finished {
		c.finished = true
		close(c.done)
	}
}

// shutdown waits for an in-flight Deliver so nothing is sent after the
// handler returns.
func (c *streamChannel) shutdown() {
	c.mu.Lock()
	c.finish()
	c.mu.Unlock()
}

func isTerminalEvent(kind types.EventKind) bool {
	switch kind {
	case types.EventJobCompleted, types.EventJobFailed, types.EventJobCancelled, types.EventJobTimedOut:
		return true
	}
	return false
}

func grpcError(err error) error {
	switch httpStatus(err) {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case http.StatusUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	case http.StatusForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case http.StatusNotFound:
		return status.Error(codes.NotFound, err.Error())
	case http.StatusServiceUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Struct <-> Go values
// ============================================================================

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func decodeStruct(in *structpb.Struct, dst any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// ============================================================================
// Client side
// ============================================================================

// Client calls docflow.v1.JobService.
type Client struct {
	cc        grpc.ClientConnInterface
	principal string
}

// NewClient wraps cc; every call carries principal.
func NewClient(cc grpc.ClientConnInterface, principal string) *Client {
	return &Client{cc: cc, principal: principal}
}

func (c *Client) invoke(ctx context.Context, method string, req any, resp any) error {
	in, err := encodeStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	ctx = metadata.AppendToOutgoingContext(ctx, PrincipalMetadataKey, c.principal)
	if err := c.cc.Invoke(ctx, "/"+grpcServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return decodeStruct(out, resp)
}

// Submit submits a server-local document.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (types.JobID, error) {
	var resp jobRef
	if err := c.invoke(ctx, "Submit", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// Cancel requests cancellation and reports whether the flag was newly set.
func (c *Client) Cancel(ctx context.Context, id types.JobID) (bool, error) {
	var resp struct {
		CancelRequested bool `json:"cancelRequested"`
	}
	if err := c.invoke(ctx, "Cancel", jobIDRequest{JobID: id}, &resp); err != nil {
		return false, err
	}
	return resp.CancelRequested, nil
}

// Get returns the job snapshot.
func (c *Client) Get(ctx context.Context, id types.JobID) (types.Job, error) {
	var job types.Job
	err := c.invoke(ctx, "Get", jobIDRequest{JobID: id}, &job)
	return job, err
}

// List returns the jobs of owner; empty means the caller.
func (c *Client) List(ctx context.Context, owner string) ([]types.Job, error) {
	var resp struct {
		Jobs []types.Job `json:"jobs"`
	}
	err := c.invoke(ctx, "List", listRequest{Owner: owner}, &resp)
	return resp.Jobs, err
}

// Events returns the persisted events with Seq > since.
func (c *Client) Events(ctx context.Context, id types.JobID, since uint64) ([]types.Event, error) {
	var resp struct {
		Events []types.Event `json:"events"`
	}
	err := c.invoke(ctx, "Events", jobIDRequest{JobID: id, Since: since}, &resp)
	return resp.Events, err
}

// WatchMessage is one streamed live channel message.
type WatchMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Watch calls fn for every message until the job finishes, ctx ends or fn
// returns an error.
func (c *Client) Watch(ctx context.Context, id types.JobID, since uint64, fn func(WatchMessage) error) error {
	in, err := encodeStruct(jobIDRequest{JobID: id, Since: since})
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, PrincipalMetadataKey, c.principal)
	stream, err := c.cc.NewStream(ctx, &JobServiceDesc.Streams[0], "/"+grpcServiceName+"/Watch")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var msg WatchMessage
		if err := decodeStruct(out, &msg); err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

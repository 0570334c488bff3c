// Package clienttest runs an in-memory authorization backend for tests. It serves the
// v1 Permissions, Schema and Watch services over bufconn, records the credentials and
// request ids it receives, and can be scripted to fail.
package clienttest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	bufSize = 1024 * 1024

	// Target is the address to dial together with Backend.DialOption.
	Target = "passthrough://bufnet"

	MethodCheckPermission = "CheckPermission"
	MethodReadSchema      = "ReadSchema"
	MethodWriteSchema     = "WriteSchema"
	MethodWatch           = "Watch"
)

// Backend is a fake authorization service.
type Backend struct {
	v1.UnimplementedPermissionsServiceServer
	v1.UnimplementedSchemaServiceServer
	v1.UnimplementedWatchServiceServer

	buf  *bufconn.Listener
	addr string

	mu          sync.Mutex
	calls       map[string]int
	tokens      map[string][]string
	requestIDs  map[string][]string
	userAgents  map[string][]string
	failures    map[string][]error
	permissions map[string]struct{}
	schema      string
	updates     []*v1.WatchResponse
	watchTail   error
	requireAuth bool
	onCheck     func(ctx context.Context, req *v1.CheckPermissionRequest) error
}

// Start serves a new in-memory Backend until the test ends. Dial it with Target
// and DialOption.
func Start(t testing.TB) *Backend {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	b := newBackend()
	b.buf = lis
	b.serve(t, lis)
	return b
}

// StartTCP serves a new Backend on a loopback TCP port until the test ends. Dial it
// with Addr and plaintext credentials.
func StartTCP(t testing.TB) *Backend {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	b := newBackend()
	b.addr = lis.Addr().String()
	b.serve(t, lis)
	return b
}

func newBackend() *Backend {
	return &Backend{
		calls:       map[string]int{},
		tokens:      map[string][]string{},
		requestIDs:  map[string][]string{},
		userAgents:  map[string][]string{},
		failures:    map[string][]error{},
		permissions: map[string]struct{}{},
	}
}

func (b *Backend) serve(t testing.TB, lis net.Listener) {
	grpcServer := grpc.NewServer()
	v1.RegisterPermissionsServiceServer(grpcServer, b)
	v1.RegisterSchemaServiceServer(grpcServer, b)
	v1.RegisterWatchServiceServer(grpcServer, b)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			t.Logf("Server exited with error: %v", err)
		}
	}()
	t.Cleanup(grpcServer.Stop)
}

// Addr is the host:port of a Backend started with StartTCP.
func (b *Backend) Addr() string {
	return b.addr
}

// DialOption routes connections for Target to a Backend started with Start.
func (b *Backend) DialOption() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return b.buf.DialContext(ctx)
	})
}

// RequireAuth makes every call without a bearer token fail with Unauthenticated.
func (b *Backend) RequireAuth() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requireAuth = true
}

// FailNext queues errors returned by the next calls of method, one per call,
// before the method goes back to normal behavior.
func (b *Backend) FailNext(method string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = append(b.failures[method], errs...)
}

// Grant makes CheckPermission answer HAS_PERMISSION for the given triple.
// Objects are written as "type:id"; a subject may add "#relation".
func (b *Backend) Grant(resource, permission, subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permissions[permissionKey(resource, permission, subject)] = struct{}{}
}

// SetSchema sets the schema returned by ReadSchema.
func (b *Backend) SetSchema(schema string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schema = schema
}

// SetWatchUpdates sets the responses every Watch call sends. tail, if not nil, is
// returned after the last response instead of ending the stream cleanly.
func (b *Backend) SetWatchUpdates(tail error, updates ...*v1.WatchResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = updates
	b.watchTail = tail
}

// OnCheck installs a hook that runs inside CheckPermission after the call is recorded.
// A non-nil error from the hook is returned to the client.
func (b *Backend) OnCheck(hook func(ctx context.Context, req *v1.CheckPermissionRequest) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCheck = hook
}

// Calls returns how many times method was invoked, failed attempts included.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Tokens returns the bearer tokens seen by method, in call order. Calls without a
// token record "".
func (b *Backend) Tokens(method string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens[method]...)
}

// RequestIDs returns the x-request-id values seen by method, in call order.
func (b *Backend) RequestIDs(method string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requestIDs[method]...)
}

// UserAgents returns the user-agent values seen by method, in call order.
func (b *Backend) UserAgents(method string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.userAgents[method]...)
}

// record registers a call and returns the scripted failure for it, if any.
func (b *Backend) record(ctx context.Context, method string) error {
	token, err := grpcauth.AuthFromMD(ctx, "bearer")
	if err != nil {
		token = ""
	}

	var requestID, userAgent string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			requestID = ids[0]
		}
		if agents := md.Get("user-agent"); len(agents) > 0 {
			userAgent = agents[0]
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[method]++
	b.tokens[method] = append(b.tokens[method], token)
	b.requestIDs[method] = append(b.requestIDs[method], requestID)
	b.userAgents[method] = append(b.userAgents[method], userAgent)

	if b.requireAuth && token == "" {
		return status.Error(codes.Unauthenticated, "missing bearer token")
	}

	if queued := b.failures[method]; len(queued) > 0 {
		b.failures[method] = queued[1:]
		return queued[0]
	}
	return nil
}

func (b *Backend) CheckPermission(ctx context.Context, req *v1.CheckPermissionRequest) (*v1.CheckPermissionResponse, error) {
	if err := b.record(ctx, MethodCheckPermission); err != nil {
		return nil, err
	}

	b.mu.Lock()
	hook := b.onCheck
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, req); err != nil {
			return nil, err
		}
	}

	key := permissionKey(
		objectString(req.GetResource()),
		req.GetPermission(),
		subjectString(req.GetSubject()),
	)

	b.mu.Lock()
	_, granted := b.permissions[key]
	b.mu.Unlock()

	permissionship := v1.CheckPermissionResponse_PERMISSIONSHIP_NO_PERMISSION
	if granted {
		permissionship = v1.CheckPermissionResponse_PERMISSIONSHIP_HAS_PERMISSION
	}

	return &v1.CheckPermissionResponse{
		CheckedAt:      &v1.ZedToken{Token: "checked"},
		Permissionship: permissionship,
	}, nil
}

func (b *Backend) ReadSchema(ctx context.Context, _ *v1.ReadSchemaRequest) (*v1.ReadSchemaResponse, error) {
	if err := b.record(ctx, MethodReadSchema); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return &v1.ReadSchemaResponse{SchemaText: b.schema}, nil
}

func (b *Backend) WriteSchema(ctx context.Context, req *v1.WriteSchemaRequest) (*v1.WriteSchemaResponse, error) {
	if err := b.record(ctx, MethodWriteSchema); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.schema = req.GetSchema()
	return &v1.WriteSchemaResponse{WrittenAt: &v1.ZedToken{Token: "written"}}, nil
}

func (b *Backend) Watch(req *v1.WatchRequest, stream v1.WatchService_WatchServer) error {
	if err := b.record(stream.Context(), MethodWatch); err != nil {
		return err
	}

	b.mu.Lock()
	updates := b.updates
	tail := b.watchTail
	b.mu.Unlock()

	for _, update := range updates {
		if err := stream.Send(update); err != nil {
			return err
		}
	}
	return tail
}

func objectString(obj *v1.ObjectReference) string {
	return fmt.Sprintf("%s:%s", obj.GetObjectType(), obj.GetObjectId())
}

func subjectString(sub *v1.SubjectReference) string {
	subject := objectString(sub.GetObject())
	if rel := sub.GetOptionalRelation(); rel != "" {
		subject += "#" + rel
	}
	return subject
}

func permissionKey(resource, permission, subject string) string {
	return resource + "#" + permission + "@" + subject
}

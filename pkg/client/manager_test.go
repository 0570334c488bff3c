package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/status"

	"github.com/openfga/authzconn/pkg/client/clienttest"
	"github.com/openfga/authzconn/pkg/logger"
)

const testToken = "token-1"

func newTestManager(t *testing.T, backend *clienttest.Backend, opts ...Option) *Manager {
	t.Helper()

	base := []Option{WithInsecure(), WithDialOptions(backend.DialOption())}
	m, err := NewManager(clienttest.Target, testToken, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
	})

	return m
}

// gatedDialer counts dial attempts and holds each one until release is closed.
type gatedDialer struct {
	calls   atomic.Int32
	release chan struct{}
	fail    func(call int32) error
}

func newGatedDialer() *gatedDialer {
	return &gatedDialer{release: make(chan struct{})}
}

func (d *gatedDialer) dial(ctx context.Context, endpoint Endpoint, opts ...grpc.DialOption) (Conn, error) {
	call := d.calls.Add(1)

	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if d.fail != nil {
		if err := d.fail(call); err != nil {
			return nil, err
		}
	}
	return DialGRPC(ctx, endpoint, opts...)
}

func checkRequest(resourceID string) *v1.CheckPermissionRequest {
	return &v1.CheckPermissionRequest{
		Resource:   &v1.ObjectReference{ObjectType: "document", ObjectId: resourceID},
		Permission: "view",
		Subject: &v1.SubjectReference{
			Object: &v1.ObjectReference{ObjectType: "user", ObjectId: "anne"},
		},
	}
}

func TestNewManager(t *testing.T) {
	t.Run("does_not_dial", func(t *testing.T) {
		dialer := newGatedDialer()
		m, err := NewManager("localhost:50051", testToken, WithDialer(dialer.dial))
		require.NoError(t, err)
		require.Equal(t, StateUnopened, m.State())
		require.Equal(t, Endpoint{Address: "localhost:50051", UseTLS: true}, m.Endpoint())
		require.Zero(t, dialer.calls.Load())
		require.NoError(t, m.Close())
	})

	t.Run("insecure_endpoint", func(t *testing.T) {
		m, err := NewManager("localhost:50051", testToken, WithInsecure())
		require.NoError(t, err)
		require.False(t, m.Endpoint().UseTLS)
	})

	for _, tc := range []struct {
		name    string
		address string
		opts    []Option
	}{
		{name: "empty_address", address: ""},
		{name: "blank_address", address: "   "},
		{name: "negative_retries", address: "localhost:50051", opts: []Option{WithMaxRetries(-1)}},
		{name: "negative_timeout", address: "localhost:50051", opts: []Option{WithPerCallTimeout(-time.Second)}},
		{name: "nil_backoff", address: "localhost:50051", opts: []Option{WithRetryBackoff(nil)}},
		{name: "nil_dialer", address: "localhost:50051", opts: []Option{WithDialer(nil)}},
		{name: "zero_connect_timeout", address: "localhost:50051", opts: []Option{WithConnectTimeout(0)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := NewManager(tc.address, testToken, tc.opts...)
			require.Nil(t, m)
			require.ErrorIs(t, err, ErrConstruction)

			var constructionErr *ConstructionError
			require.ErrorAs(t, err, &constructionErr)
			require.NotEmpty(t, constructionErr.Reason)
		})
	}
}

func TestConcurrentAccessorsShareOneConnection(t *testing.T) {
	backend := clienttest.Start(t)
	dialer := newGatedDialer()
	m := newTestManager(t, backend, WithDialer(dialer.dial))

	const callers = 30
	callersSeen := make(chan *Caller, callers)

	var wg conc.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Go(func() {
			var err error
			switch i % 3 {
			case 0:
				_, err = m.PermissionsClient(context.Background())
			case 1:
				_, err = m.SchemaClient(context.Background())
			case 2:
				_, err = m.WatchClient(context.Background())
			}
			require.NoError(t, err)

			c, err := m.Caller(context.Background())
			require.NoError(t, err)
			callersSeen <- c
		})
	}

	require.Eventually(t, func() bool {
		return m.State() == StateOpening
	}, time.Second, time.Millisecond)
	close(dialer.release)
	wg.Wait()
	close(callersSeen)

	require.Equal(t, int32(1), dialer.calls.Load())
	require.Equal(t, StateOpen, m.State())

	first := <-callersSeen
	for c := range callersSeen {
		require.Same(t, first, c)
		require.Same(t, first.conn, c.conn)
	}
}

func TestConcurrentAccessorsShareOneFailure(t *testing.T) {
	dialErr := errors.New("handshake refused")
	dialer := newGatedDialer()
	dialer.fail = func(call int32) error {
		if call == 1 {
			return dialErr
		}
		return nil
	}

	backend := clienttest.Start(t)
	m := newTestManager(t, backend, WithDialer(dialer.dial))

	const callers = 10
	errs := make(chan error, callers)
	started := make(chan struct{}, callers)

	var wg conc.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Go(func() {
			started <- struct{}{}
			_, err := m.PermissionsClient(context.Background())
			errs <- err
		})
	}

	for i := 0; i < callers; i++ {
		<-started
	}
	// let every goroutine reach the in-flight establishment before it fails
	time.Sleep(50 * time.Millisecond)
	close(dialer.release)
	wg.Wait()
	close(errs)

	require.Equal(t, int32(1), dialer.calls.Load())

	var first error
	for err := range errs {
		require.ErrorIs(t, err, ErrConnection)
		require.ErrorIs(t, err, dialErr)
		if first == nil {
			first = err
		}
		require.Same(t, first, err)
	}

	// the failure resets the manager so the next request opens again
	require.Equal(t, StateUnopened, m.State())
	_, err := m.SchemaClient(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), dialer.calls.Load())
	require.Equal(t, StateOpen, m.State())
}

func TestAccessorsResolveBeforeAnyCall(t *testing.T) {
	var dials atomic.Int32
	countingDialer := func(ctx context.Context, endpoint Endpoint, opts ...grpc.DialOption) (Conn, error) {
		dials.Add(1)
		return DialGRPC(ctx, endpoint, opts...)
	}

	m, err := NewManager("localhost:50051", testToken, WithInsecure(), WithDialer(countingDialer))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
	})

	var permissions v1.PermissionsServiceClient
	var schema v1.SchemaServiceClient

	var wg conc.WaitGroup
	wg.Go(func() {
		var err error
		permissions, err = m.PermissionsClient(context.Background())
		require.NoError(t, err)
	})
	wg.Go(func() {
		var err error
		schema, err = m.SchemaClient(context.Background())
		require.NoError(t, err)
	})
	wg.Wait()

	require.NotNil(t, permissions)
	require.NotNil(t, schema)
	require.Equal(t, int32(1), dials.Load())
	require.Equal(t, StateOpen, m.State())

	c1, err := m.Caller(context.Background())
	require.NoError(t, err)
	c2, err := m.Caller(context.Background())
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestAccessorWaitRespectsCallerContext(t *testing.T) {
	backend := clienttest.Start(t)
	dialer := newGatedDialer()
	m := newTestManager(t, backend, WithDialer(dialer.dial))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.PermissionsClient(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return m.State() == StateOpening
	}, time.Second, time.Millisecond)
	cancel()
	waitErr := <-done
	require.ErrorIs(t, waitErr, context.Canceled)
	require.ErrorIs(t, waitErr, ErrConnection)

	var connErr *ConnectionError
	require.ErrorAs(t, waitErr, &connErr)
	require.Equal(t, clienttest.Target, connErr.Address)

	// the establishment itself was not abandoned
	close(dialer.release)
	_, err := m.PermissionsClient(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), dialer.calls.Load())
}

func TestUserAgent(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		backend := clienttest.Start(t)
		m := newTestManager(t, backend)

		permissions, err := m.PermissionsClient(context.Background())
		require.NoError(t, err)
		_, err = permissions.CheckPermission(context.Background(), checkRequest("1"))
		require.NoError(t, err)

		agents := backend.UserAgents(clienttest.MethodCheckPermission)
		require.Len(t, agents, 1)
		require.Regexp(t, "^authzconn/", agents[0])
	})

	t.Run("custom", func(t *testing.T) {
		backend := clienttest.Start(t)
		m := newTestManager(t, backend, WithUserAgent("custom-agent/1.0"))

		permissions, err := m.PermissionsClient(context.Background())
		require.NoError(t, err)
		_, err = permissions.CheckPermission(context.Background(), checkRequest("1"))
		require.NoError(t, err)

		// grpc-go appends its own product token
		agents := backend.UserAgents(clienttest.MethodCheckPermission)
		require.Len(t, agents, 1)
		require.Regexp(t, `^custom-agent/1\.0( |$)`, agents[0])
	})
}

func TestCheckPermissionSubjectRelation(t *testing.T) {
	backend := clienttest.Start(t)
	backend.Grant("document:1", "view", "group:eng#member")
	m := newTestManager(t, backend)

	permissions, err := m.PermissionsClient(context.Background())
	require.NoError(t, err)

	check := func(relation string) v1.CheckPermissionResponse_Permissionship {
		resp, err := permissions.CheckPermission(context.Background(), &v1.CheckPermissionRequest{
			Resource:   &v1.ObjectReference{ObjectType: "document", ObjectId: "1"},
			Permission: "view",
			Subject: &v1.SubjectReference{
				Object:           &v1.ObjectReference{ObjectType: "group", ObjectId: "eng"},
				OptionalRelation: relation,
			},
		})
		require.NoError(t, err)
		return resp.GetPermissionship()
	}

	require.Equal(t, v1.CheckPermissionResponse_PERMISSIONSHIP_HAS_PERMISSION, check("member"))
	require.Equal(t, v1.CheckPermissionResponse_PERMISSIONSHIP_NO_PERMISSION, check(""))
	require.Equal(t, v1.CheckPermissionResponse_PERMISSIONSHIP_NO_PERMISSION, check("admin"))
}

func TestCloseIsIdempotent(t *testing.T) {
	backend := clienttest.Start(t)
	m := newTestManager(t, backend)

	permissions, err := m.PermissionsClient(context.Background())
	require.NoError(t, err)
	_, err = permissions.CheckPermission(context.Background(), checkRequest("1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Close())
		require.Equal(t, StateClosed, m.State())
	}

	_, err = permissions.CheckPermission(context.Background(), checkRequest("1"))
	require.ErrorIs(t, err, ErrClosedConnection)
	require.Equal(t, 1, backend.Calls(clienttest.MethodCheckPermission))

	_, err = m.PermissionsClient(context.Background())
	require.ErrorIs(t, err, ErrClosedConnection)
	_, err = m.SchemaClient(context.Background())
	require.ErrorIs(t, err, ErrClosedConnection)
	_, err = m.WatchClient(context.Background())
	require.ErrorIs(t, err, ErrClosedConnection)
}

func TestCloseBeforeOpen(t *testing.T) {
	dialer := newGatedDialer()
	m, err := NewManager("localhost:50051", testToken, WithDialer(dialer.dial))
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, err = m.Caller(context.Background())
	require.ErrorIs(t, err, ErrClosedConnection)
	require.Zero(t, dialer.calls.Load())
}

func TestCloseDuringOpening(t *testing.T) {
	backend := clienttest.Start(t)
	dialer := newGatedDialer()
	m := newTestManager(t, backend, WithDialer(dialer.dial))

	done := make(chan error, 1)
	go func() {
		_, err := m.WatchClient(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return m.State() == StateOpening
	}, time.Second, time.Millisecond)
	require.NoError(t, m.Close())

	require.ErrorIs(t, <-done, ErrClosedConnection)
	require.Equal(t, StateClosed, m.State())
}

func TestCloseFailsInFlightCalls(t *testing.T) {
	backend := clienttest.Start(t)
	backend.OnCheck(func(ctx context.Context, _ *v1.CheckPermissionRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := newTestManager(t, backend, WithMaxRetries(3))

	permissions, err := m.PermissionsClient(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := permissions.CheckPermission(context.Background(), checkRequest("1"))
		done <- err
	}()

	require.Eventually(t, func() bool {
		return backend.Calls(clienttest.MethodCheckPermission) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, m.Close())

	require.ErrorIs(t, <-done, ErrClosedConnection)
	require.Equal(t, 1, backend.Calls(clienttest.MethodCheckPermission))
}

func TestCredentialRotationReachesExistingHandles(t *testing.T) {
	backend := clienttest.Start(t)
	m := newTestManager(t, backend)

	permissions, err := m.PermissionsClient(context.Background())
	require.NoError(t, err)

	_, err = permissions.CheckPermission(context.Background(), checkRequest("1"))
	require.NoError(t, err)

	m.RotateToken("token-2")
	_, err = permissions.CheckPermission(context.Background(), checkRequest("1"))
	require.NoError(t, err)

	m.RotateCredential(NewBearerCredential(""))
	_, err = permissions.CheckPermission(context.Background(), checkRequest("1"))
	require.NoError(t, err)

	require.Equal(t, []string{"token-1", "token-2", ""}, backend.Tokens(clienttest.MethodCheckPermission))
}

func TestMissingCredentialIsAnAuthError(t *testing.T) {
	backend := clienttest.Start(t)
	backend.RequireAuth()

	m, err := NewManager(clienttest.Target, "", WithInsecure(), WithDialOptions(backend.DialOption()), WithMaxRetries(2))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
	})

	schema, err := m.SchemaClient(context.Background())
	require.NoError(t, err)

	_, err = schema.ReadSchema(context.Background(), &v1.ReadSchemaRequest{})
	require.ErrorIs(t, err, ErrPermanentCall)
	require.True(t, IsAuthError(err))
	require.Equal(t, 1, backend.Calls(clienttest.MethodReadSchema))

	m.RotateToken("fresh")
	_, err = schema.ReadSchema(context.Background(), &v1.ReadSchemaRequest{})
	require.NoError(t, err)
}

func TestCancellingOneCallDoesNotAffectOthers(t *testing.T) {
	backend := clienttest.Start(t)
	releaseFast := make(chan struct{})
	backend.OnCheck(func(ctx context.Context, req *v1.CheckPermissionRequest) error {
		switch req.GetResource().GetObjectId() {
		case "slow":
			<-ctx.Done()
			return ctx.Err()
		default:
			<-releaseFast
			return nil
		}
	})
	backend.Grant("document:fast", "view", "user:anne")

	m := newTestManager(t, backend)
	permissions, err := m.PermissionsClient(context.Background())
	require.NoError(t, err)

	slowCtx, cancelSlow := context.WithCancel(context.Background())
	slowDone := make(chan error, 1)
	go func() {
		_, err := permissions.CheckPermission(slowCtx, checkRequest("slow"))
		slowDone <- err
	}()

	type result struct {
		resp *v1.CheckPermissionResponse
		err  error
	}
	fastDone := make(chan result, 1)
	go func() {
		resp, err := permissions.CheckPermission(context.Background(), checkRequest("fast"))
		fastDone <- result{resp, err}
	}()

	require.Eventually(t, func() bool {
		return backend.Calls(clienttest.MethodCheckPermission) == 2
	}, time.Second, time.Millisecond)

	cancelSlow()
	slowErr := <-slowDone
	require.ErrorIs(t, slowErr, ErrPermanentCall)
	require.Equal(t, codes.Canceled, status.Code(slowErr))

	close(releaseFast)
	fast := <-fastDone
	require.NoError(t, fast.err)
	require.Equal(t, v1.CheckPermissionResponse_PERMISSIONSHIP_HAS_PERMISSION, fast.resp.GetPermissionship())
	require.Equal(t, StateOpen, m.State())
}

func TestBlockUntilReady(t *testing.T) {
	backend := clienttest.Start(t)
	m := newTestManager(t, backend, WithBlockUntilReady())

	c, err := m.Caller(context.Background())
	require.NoError(t, err)

	conn, ok := c.conn.(*grpc.ClientConn)
	require.True(t, ok)
	require.Equal(t, connectivity.Ready, conn.GetState())
}

func TestBlockUntilReadyFailure(t *testing.T) {
	unreachable := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("no route to backend")
	})

	m, err := NewManager(clienttest.Target, testToken,
		WithInsecure(),
		WithBlockUntilReady(),
		WithConnectTimeout(2*time.Second),
		WithDialOptions(unreachable),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
	})

	_, err = m.PermissionsClient(context.Background())
	require.ErrorIs(t, err, ErrConnection)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, clienttest.Target, connErr.Address)
	require.Equal(t, StateUnopened, m.State())
}

func TestLifecycleIsLogged(t *testing.T) {
	backend := clienttest.Start(t)
	log, logs := logger.NewObserverLogger("debug")
	m := newTestManager(t, backend, WithLogger(log), WithCallLogging())

	schema, err := m.SchemaClient(context.Background())
	require.NoError(t, err)
	_, err = schema.ReadSchema(context.Background(), &v1.ReadSchemaRequest{})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	require.Equal(t, 1, logs.FilterMessage("opening connection").Len())
	require.Equal(t, 1, logs.FilterMessage("connection opened").Len())
	require.Equal(t, 1, logs.FilterMessage("closing connection manager").Len())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "unopened", StateUnopened.String())
	require.Equal(t, "opening", StateOpening.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "State(9)", State(9).String())
}

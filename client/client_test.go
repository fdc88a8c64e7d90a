package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"binrpc/codec"
	"binrpc/loadbalance"
	"binrpc/message"
	"binrpc/middleware"
	"binrpc/registry"
	"binrpc/schema"
	"binrpc/transport"
)

const testToken = "S=s1:U=42:E=abc:C=def:P=1cd:A=test-agent:V=2:H=f00"

var (
	itemType = schema.NewStruct("Item",
		schema.NewField(1, "guid", schema.StringType),
		schema.NewField(2, "title", schema.StringType),
	)
	notFoundType = schema.NewException("NotFound",
		schema.NewField(1, "identifier", schema.StringType),
		schema.NewField(2, "message", schema.StringType),
	)
	sharedAuthType = schema.NewStruct("SharedAuth",
		schema.NewField(1, "authenticationToken", schema.StringType),
		schema.NewField(2, "storeUrl", schema.StringType),
	)

	getItem = message.Define("getItem",
		schema.NewStruct("getItem_args",
			schema.NewField(1, "authenticationToken", schema.StringType),
			schema.NewField(2, "guid", schema.StringType),
		),
		schema.NewStruct("getItem_result",
			schema.NewField(0, "success", itemType),
			schema.NewField(1, "notFoundException", notFoundType),
		),
		message.WithAuthToken("authenticationToken"),
	)
	authenticateToShared = message.Define("authenticateToShared",
		schema.NewStruct("authenticateToShared_args",
			schema.NewField(1, "shareKey", schema.StringType),
			schema.NewField(2, "authenticationToken", schema.StringType),
		),
		schema.NewStruct("authenticateToShared_result", schema.NewField(0, "success", sharedAuthType)),
		message.WithAuthToken("authenticationToken"),
	)
	listTags = message.Define("listTags",
		schema.NewStruct("listTags_args", schema.NewField(1, "prefix", schema.StringType)),
		schema.NewStruct("listTags_result", schema.NewField(0, "success", schema.ListOf(schema.StringType))),
	)

	testMethods = []*message.Method{getItem, authenticateToShared, listTags}
)

// fakeServer decodes requests for testMethods and answers through respond.
// It records arguments and the highest number of overlapping requests.
type fakeServer struct {
	delay   time.Duration
	respond func(m *message.Method, args *schema.Struct) (*schema.Struct, error)

	mu       sync.Mutex
	received []*schema.Struct
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeServer) serve(ctx context.Context, req []byte) ([]byte, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	in := codec.NewBinaryProtocol(codec.NewMemBuffer(req))
	h, err := message.ReadHeader(in)
	if err != nil {
		return nil, err
	}
	var m *message.Method
	for _, cand := range testMethods {
		if cand.Alias == h.Name {
			m = cand
		}
	}
	if m == nil {
		return nil, fmt.Errorf("unknown method %q", h.Name)
	}
	v, err := m.Args.Read(in)
	if err != nil {
		return nil, err
	}
	args := v.(*schema.Struct)
	f.mu.Lock()
	f.received = append(f.received, args)
	f.mu.Unlock()

	result := m.Result.New()
	if f.respond != nil {
		if result, err = f.respond(m, args); err != nil {
			return nil, err
		}
	}
	buf := codec.NewMemBuffer(nil)
	if err := m.SendResponse(codec.NewBinaryProtocol(buf), h.SeqID, result); err != nil {
		return nil, err
	}
	return buf.Pending(), nil
}

func (f *fakeServer) lastArgs() *schema.Struct {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[len(f.received)-1]
}

// echoItem returns an Item whose guid is the requested one.
func echoItem(m *message.Method, args *schema.Struct) (*schema.Struct, error) {
	result := m.Result.New()
	switch m {
	case getItem:
		item, _ := itemType.Make(map[string]schema.Value{"guid": args.Get("guid"), "title": schema.String("t")})
		result.SetField(0, item)
	case authenticateToShared:
		auth, _ := sharedAuthType.Make(map[string]schema.Value{
			"authenticationToken": schema.String("shared-token"),
			"storeUrl":            schema.String("https://shard/rpc"),
		})
		result.SetField(0, auth)
	case listTags:
		result.SetField(0, schema.List{args.Get("prefix")})
	}
	return result, nil
}

type countingResolver struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	session registry.Session
}

func (r *countingResolver) Resolve(ctx context.Context) (registry.Session, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return registry.Session{}, ctx.Err()
		}
	}
	if r.err != nil {
		return registry.Session{}, r.err
	}
	return r.session, nil
}

func newTestProxy(t *testing.T, srv *fakeServer, res registry.Resolver) (*Proxy, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	p := NewProxy(res, testMethods,
		WithDialer(func(ctx context.Context, s registry.Session) (transport.Transport, error) {
			dials.Add(1)
			return transport.NewHandlerTransport(srv.serve), nil
		}),
		WithProxyLogger(zaptest.NewLogger(t)),
	)
	t.Cleanup(func() { _ = p.Close() })
	return p, &dials
}

func staticSession() registry.Resolver {
	return registry.Static(registry.Session{Endpoint: "https://host/rpc", Token: testToken})
}

func TestProxyInjectsTokenAtFirstPosition(t *testing.T) {
	srv := &fakeServer{respond: echoItem}
	p, _ := newTestProxy(t, srv, staticSession())

	v, err := p.Call(context.Background(), "getItem", schema.String("g-1"))
	require.NoError(t, err)

	args := srv.lastArgs()
	assert.Equal(t, schema.String(testToken), args.Get("authenticationToken"))
	assert.Equal(t, schema.String("g-1"), args.Get("guid"))
	assert.Equal(t, schema.String("g-1"), v.(*schema.Struct).Get("guid"))
}

func TestProxyInjectsTokenAtLaterPosition(t *testing.T) {
	srv := &fakeServer{respond: echoItem}
	p, _ := newTestProxy(t, srv, staticSession())

	_, err := p.Call(context.Background(), "authenticateToShared", schema.String("share-key"))
	require.NoError(t, err)

	args := srv.lastArgs()
	assert.Equal(t, []schema.Value{schema.String("share-key"), schema.String(testToken)}, args.Values())
}

func TestProxyForwardsCompleteArguments(t *testing.T) {
	srv := &fakeServer{respond: echoItem}
	p, _ := newTestProxy(t, srv, staticSession())

	_, err := p.Call(context.Background(), "getItem", schema.String("explicit"), schema.String("g-2"))
	require.NoError(t, err)
	assert.Equal(t, []schema.Value{schema.String("explicit"), schema.String("g-2")}, srv.lastArgs().Values())

	v, err := p.Call(context.Background(), "listTags", schema.String("pre"))
	require.NoError(t, err)
	assert.Equal(t, []schema.Value{schema.String("pre")}, srv.lastArgs().Values())
	if diff := cmp.Diff(schema.List{schema.String("pre")}, v); diff != "" {
		t.Errorf("listTags result (-want +got):\n%s", diff)
	}
}

func TestProxyArgumentCount(t *testing.T) {
	srv := &fakeServer{respond: echoItem}
	p, _ := newTestProxy(t, srv, staticSession())

	_, err := p.Call(context.Background(), "listTags")
	assert.True(t, errors.Is(err, ErrArgumentCount), "got %v", err)

	_, err = p.Call(context.Background(), "getItem", schema.String("a"), schema.String("b"), schema.String("c"))
	assert.True(t, errors.Is(err, ErrArgumentCount), "got %v", err)
	assert.Empty(t, srv.received)
}

func TestProxyUnknownMethod(t *testing.T) {
	res := &countingResolver{session: registry.Session{Endpoint: "x", Token: testToken}}
	p, _ := newTestProxy(t, &fakeServer{}, res)

	_, err := p.Call(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrUnknownMethod))
	assert.Zero(t, res.calls.Load())
}

func TestProxyResolverFailureShortCircuits(t *testing.T) {
	boom := errors.New("directory unavailable")
	res := &countingResolver{err: boom}
	srv := &fakeServer{respond: echoItem}
	p, dials := newTestProxy(t, srv, res)

	_, err := p.Call(context.Background(), "getItem", schema.String("g"))
	assert.True(t, errors.Is(err, boom), "got %v", err)
	assert.Zero(t, dials.Load())
	assert.Empty(t, srv.received)
	_, ok := p.Session()
	assert.False(t, ok)

	// failures are not cached
	res.err = nil
	res.session = registry.Session{Endpoint: "https://host/rpc", Token: testToken}
	_, err = p.Call(context.Background(), "getItem", schema.String("g"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), res.calls.Load())

	s, ok := p.Session()
	require.True(t, ok)
	assert.Equal(t, testToken, s.Token)
}

func TestProxyResolvesOnce(t *testing.T) {
	res := &countingResolver{
		release: make(chan struct{}),
		session: registry.Session{Endpoint: "https://host/rpc", Token: testToken},
	}
	srv := &fakeServer{respond: echoItem}
	p, dials := newTestProxy(t, srv, res)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		guid := fmt.Sprintf("g-%d", i)
		g.Go(func() error {
			v, err := p.Call(context.Background(), "getItem", schema.String(guid))
			if err != nil {
				return err
			}
			if got := v.(*schema.Struct).Get("guid"); got != schema.String(guid) {
				return fmt.Errorf("call %s got %v", guid, got)
			}
			return nil
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(res.release)
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, int32(1), dials.Load())
}

func TestProxyResolutionOutlivesFirstCaller(t *testing.T) {
	res := &countingResolver{
		release: make(chan struct{}),
		session: registry.Session{Endpoint: "https://host/rpc", Token: testToken},
	}
	srv := &fakeServer{respond: echoItem}
	p, _ := newTestProxy(t, srv, res)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := p.Call(ctx, "getItem", schema.String("g-1"))
		first <- err
	}()
	require.Eventually(t, func() bool { return res.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := p.Call(context.Background(), "getItem", schema.String("g-2"))
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.True(t, errors.Is(<-first, context.Canceled))

	close(res.release)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, schema.String("g-2"), srv.lastArgs().Get("guid"))
}

func TestProxySerializesCalls(t *testing.T) {
	srv := &fakeServer{respond: echoItem, delay: 10 * time.Millisecond}
	p, _ := newTestProxy(t, srv, staticSession())

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		guid := fmt.Sprintf("g-%d", i)
		g.Go(func() error {
			v, err := p.Call(context.Background(), "getItem", schema.String(guid))
			if err != nil {
				return err
			}
			if got := v.(*schema.Struct).Get("guid"); got != schema.String(guid) {
				return fmt.Errorf("call %s got %v", guid, got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), srv.peak.Load())
	assert.Len(t, srv.received, 8)
}

func TestProxyDeclaredException(t *testing.T) {
	srv := &fakeServer{respond: func(m *message.Method, args *schema.Struct) (*schema.Struct, error) {
		nf, _ := notFoundType.Make(map[string]schema.Value{
			"identifier": schema.String("Item.guid"),
			"message":    args.Get("guid"),
		})
		result := m.Result.New()
		result.SetField(1, nf)
		return result, nil
	}}
	p, _ := newTestProxy(t, srv, staticSession())

	v, err := p.Call(context.Background(), "getItem", schema.String("gone"))
	assert.Nil(t, v)
	var exc *message.Exception
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, "notFoundException", exc.Field)
	assert.Equal(t, "NotFound: gone", exc.Error())
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "test-agent / binrpc; Go / "+runtime.Version(), UserAgent(testToken))
	assert.Equal(t, " / binrpc; Go / "+runtime.Version(), UserAgent("no-agent"))
}

func TestProxyOverHTTP(t *testing.T) {
	srv := &fakeServer{respond: echoItem}
	var userAgent string
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		body, _ := io.ReadAll(r.Body)
		resp, err := srv.serve(r.Context(), body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", transport.ContentType)
		_, _ = w.Write(resp)
	}))
	defer hs.Close()

	p := NewProxy(registry.Static(registry.Session{Endpoint: hs.URL, Token: testToken}), testMethods)
	defer p.Close()

	v, err := p.Call(context.Background(), "getItem", schema.String("g-http"))
	require.NoError(t, err)
	assert.Equal(t, schema.String("g-http"), v.(*schema.Struct).Get("guid"))
	assert.Equal(t, UserAgent(testToken), userAgent)
}

func TestClientQueueRespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := &fakeServer{respond: func(m *message.Method, args *schema.Struct) (*schema.Struct, error) {
		<-release
		return echoItem(m, args)
	}}
	c := New(transport.NewHandlerTransport(srv.serve))
	defer c.Close()

	first := make(chan error, 1)
	go func() {
		args, _ := getItem.Bind(schema.String("t"), schema.String("slow"))
		_, err := c.Call(context.Background(), getItem, args)
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	args, _ := getItem.Bind(schema.String("t"), schema.String("queued"))
	_, err := c.Call(ctx, getItem, args)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-first)
}

func TestClientRecoversFromWriteFailure(t *testing.T) {
	srv := &fakeServer{respond: echoItem}
	c := New(transport.NewHandlerTransport(srv.serve))
	defer c.Close()

	bad := getItem.Args.New()
	bad.SetField(2, schema.I32(7)) // guid must be a string
	_, err := c.Call(context.Background(), getItem, bad)
	assert.True(t, errors.Is(err, schema.ErrValueMismatch), "got %v", err)

	good, _ := getItem.Bind(schema.String("t"), schema.String("g"))
	v, err := c.Call(context.Background(), getItem, good)
	require.NoError(t, err)
	assert.Equal(t, schema.String("g"), v.(*schema.Struct).Get("guid"))
}

func TestClientMiddlewareSeesSequenceIDs(t *testing.T) {
	srv := &fakeServer{respond: echoItem}
	c := New(transport.NewHandlerTransport(srv.serve), WithLogger(zaptest.NewLogger(t)))
	defer c.Close()

	var seqs []int32
	c.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.Call) (schema.Value, error) {
			v, err := next(ctx, call)
			seqs = append(seqs, call.SeqID)
			return v, err
		}
	})
	for i := 0; i < 3; i++ {
		args, _ := listTags.Bind(schema.String("x"))
		_, err := c.Call(context.Background(), listTags, args)
		require.NoError(t, err)
	}
	assert.Equal(t, []int32{1, 2, 3}, seqs)

	require.NoError(t, c.Close())
	_, err := c.Call(context.Background(), listTags, nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDiscoveryResolver(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	r := &DiscoveryResolver{Registry: reg, Service: "Items", Token: testToken}
	_, err := r.Resolve(ctx)
	assert.True(t, errors.Is(err, registry.ErrNoEndpoints))

	require.NoError(t, reg.Register(ctx, "Items", registry.Endpoint{URL: "https://a/rpc", Weight: 1}, 10))
	require.NoError(t, reg.Register(ctx, "Items", registry.Endpoint{URL: "https://b/rpc", Weight: 1}, 10))

	s, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, registry.Session{Endpoint: "https://a/rpc", Token: testToken}, s)

	r.Balancer = loadbalance.Keyed{Key: "user-42"}
	first, err := r.Resolve(ctx)
	require.NoError(t, err)
	again, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestExchangeResolver(t *testing.T) {
	srv := &fakeServer{respond: echoItem}
	parent, _ := newTestProxy(t, srv, staticSession())

	r := &ExchangeResolver{
		Proxy:      parent,
		Method:     "authenticateToShared",
		Args:       []schema.Value{schema.String("share-key")},
		TokenField: "authenticationToken",
		URLField:   "storeUrl",
	}
	s, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, registry.Session{Endpoint: "https://shard/rpc", Token: "shared-token"}, s)

	// the exchange itself ran with the parent session token
	assert.Equal(t, schema.String(testToken), srv.lastArgs().Get("authenticationToken"))

	child, _ := newTestProxy(t, srv, r)
	_, err = child.Call(context.Background(), "getItem", schema.String("g"))
	require.NoError(t, err)
	assert.Equal(t, schema.String("shared-token"), srv.lastArgs().Get("authenticationToken"))

	r.TokenField = "missing"
	_, err = r.Resolve(context.Background())
	assert.Error(t, err)
}

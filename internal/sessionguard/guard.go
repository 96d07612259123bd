// Package sessionguard is the client side of the frozen-account push. A Guard belongs to one
// logged-in session: it is created at login, holds the access token and is closed at logout.
// When the server pushes account_frozen, or answers a request with the frozen rejection, the
// guard drops the token and calls the logout hook exactly once.
package sessionguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/societyhub/server/internal/realtime"
	"go.uber.org/zap"
)

var (
	// ErrNetwork wraps transport failures. The session is kept.
	ErrNetwork = errors.New("network error")
	// ErrFrozen is returned once the server reports the account frozen. The session is gone.
	ErrFrozen = errors.New("account frozen")
	// ErrLoggedOut is returned for calls after logout or Close.
	ErrLoggedOut = errors.New("session logged out")
)

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// LogoutFunc is the redirect hook. message is the server's explanation, if any.
type LogoutFunc func(message string)

// Options configure a Guard.
type Options struct {
	// BaseURL is the API root, e.g. https://api.example.com.
	BaseURL    string
	Token      string
	OnLogout   LogoutFunc
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// Guard watches one session.
type Guard struct {
	baseURL  *url.URL
	client   *http.Client
	dialer   *websocket.Dialer
	onLogout LogoutFunc
	logger   *zap.Logger

	mu     sync.Mutex
	token  string
	tenant string
	conn   *websocket.Conn
	closed bool
	// writeMu serializes client messages on conn.
	writeMu sync.Mutex

	// ctx ends with the session and aborts reconnect dials.
	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// Start connects the guard's websocket. A network failure is returned as ErrNetwork and the
// guard keeps retrying in the background; a frozen account logs out immediately.
func Start(ctx context.Context, opts Options) (*Guard, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Token == "" {
		return nil, ErrLoggedOut
	}
	g := &Guard{
		baseURL:  base,
		client:   opts.HTTPClient,
		dialer:   opts.Dialer,
		onLogout: opts.OnLogout,
		logger:   opts.Logger,
		token:    opts.Token,
		done:     make(chan struct{}),
	}
	if g.client == nil {
		g.client = &http.Client{Timeout: 15 * time.Second}
	}
	if g.dialer == nil {
		g.dialer = websocket.DefaultDialer
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.dialer = g.sessionDialer(g.dialer)
	if g.onLogout == nil {
		g.onLogout = func(string) {}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}

	err = g.connect(ctx)
	if errors.Is(err, ErrFrozen) {
		return g, err
	}
	g.wg.Add(1)
	go g.run(err == nil)
	return g, err
}

// Token returns the access token, or "" after logout.
func (g *Guard) Token() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token
}

// Done is closed when the session ends, by logout or Close.
func (g *Guard) Done() <-chan struct{} { return g.done }

// Do sends req with the session's token. A frozen rejection logs the session out.
func (g *Guard) Do(req *http.Request) (*http.Response, error) {
	token := g.Token()
	if token == "" {
		return nil, ErrLoggedOut
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode == http.StatusForbidden && isFrozenBody(resp) {
		g.logout("")
		return nil, ErrFrozen
	}
	return resp, nil
}

// Close ends the session without calling the logout hook. It is a no-op after a logout.
func (g *Guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.token = ""
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()

	g.finish()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	g.wg.Wait()
	return nil
}

func (g *Guard) finish() {
	g.doneOnce.Do(func() {
		g.cancel()
		close(g.done)
	})
}

// sessionDialer copies d so that every connection it opens is closed when the session ends. The
// handshake read honors its deadline but not the dial context.
func (g *Guard) sessionDialer(d *websocket.Dialer) *websocket.Dialer {
	dialer := *d
	netDial := dialer.NetDialContext
	if netDial == nil {
		var nd net.Dialer
		netDial = nd.DialContext
	}
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := netDial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		context.AfterFunc(g.ctx, func() { _ = conn.Close() })
		return conn, nil
	}
	return &dialer
}

// Watch joins a society's channel, for super admin sessions following a society. The session is
// not affected when that society is frozen.
func (g *Guard) Watch(tenantID uuid.UUID) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrNetwork)
	}
	msg, err := realtime.NewEnvelope(realtime.EventJoinSociety, realtime.JoinSocietyPayload{TenantID: tenantID.String()})
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return nil
}

// logout clears the session and calls the hook once.
func (g *Guard) logout(message string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.token = ""
	conn := g.conn
	g.conn = nil
	g.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	g.finish()
	g.logger.Info("session frozen, logging out")
	g.onLogout(message)
}

func (g *Guard) connect(ctx context.Context) error {
	token := g.Token()
	if token == "" {
		return ErrLoggedOut
	}

	wsURL := *g.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := g.dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden && isFrozenBody(resp) {
			g.logout("")
			return ErrFrozen
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: token rejected", ErrLoggedOut)
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		_ = conn.Close()
		return ErrLoggedOut
	}
	g.conn = conn
	return nil
}

// run listens while connected and reconnects with backoff after transport failures.
func (g *Guard) run(connected bool) {
	defer g.wg.Done()
	backoff := minBackoff

	for {
		if connected {
			backoff = minBackoff
			g.listen()
		}
		select {
		case <-g.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		err := g.connect(g.ctx)
		switch {
		case err == nil:
			connected = true
		case errors.Is(err, ErrFrozen), errors.Is(err, ErrLoggedOut):
			return
		default:
			connected = false
			g.logger.Debug("session guard reconnect failed", zap.Error(err))
		}
	}
}

func (g *Guard) listen() {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		var env realtime.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			g.mu.Lock()
			if g.conn == conn {
				g.conn = nil
			}
			g.mu.Unlock()
			_ = conn.Close()
			return
		}
		switch env.Event {
		case realtime.EventConnect:
			var payload realtime.ConnectPayload
			if err := json.Unmarshal(env.Data, &payload); err == nil {
				g.mu.Lock()
				g.tenant = payload.TenantID
				g.mu.Unlock()
			}
		case realtime.EventAccountFrozen:
			var payload realtime.FrozenPayload
			_ = json.Unmarshal(env.Data, &payload)
			if !g.ownsTenant(payload.TenantID) {
				g.logger.Debug("watched society frozen", zap.String("tenant_id", payload.TenantID))
				continue
			}
			g.logout(payload.Message)
			return
		}
	}
}

// ownsTenant reports whether a freeze of tenantID ends this session. An event without a tenant
// applies to every session.
func (g *Guard) ownsTenant(tenantID string) bool {
	if tenantID == "" {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tenant == tenantID
}

// isFrozenBody peeks at a 403 body. The body stays readable for the caller.
func isFrozenBody(resp *http.Response) bool {
	if resp.Body == nil {
		return false
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return false
	}
	return body.Code == "frozen"
}

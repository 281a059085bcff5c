package radio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"avaneesh/blefrag/pkg/internal/logger"
)

// GattPath is the HTTP path GATT links are upgraded on
const GattPath = "/gatt"

// WebSocketConfig configures a WebSocket-backed radio. Each segment is one
// binary WebSocket message.
type WebSocketConfig struct {
	ListenAddress  string   // server role, "host:port"
	Peers          []string // client role, "host:port" of GATT servers
	Name           string   // address announced to servers, defaults to the local socket address
	MTU            int
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	Logger         logger.Logger
}

// WebSocketRadio implements Radio over WebSocket connections
type WebSocketRadio struct {
	*link

	config   WebSocketConfig
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	roleLock     sync.Mutex
	server       *http.Server
	listener     net.Listener
	clientCancel context.CancelFunc
}

// NewWebSocketRadio creates a WebSocket radio
func NewWebSocketRadio(config WebSocketConfig) *WebSocketRadio {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 2 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Second
	}

	return &WebSocketRadio{
		link:   newLink("websocket", config.MTU, config.Logger),
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// StartGattServer starts the HTTP listener accepting GATT clients
func (r *WebSocketRadio) StartGattServer() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if r.closed.Load() {
		return ErrClosed
	}
	if r.server != nil {
		return nil
	}
	if r.config.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}

	ln, err := net.Listen("tcp", r.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.config.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(GattPath, r.handleUpgrade)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	r.server = srv
	r.listener = ln

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("websocket: server stopped: %v", err)
		}
	}()

	r.logger.Info("websocket: GATT server listening on %s", ln.Addr())
	return nil
}

func (r *WebSocketRadio) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	if !r.IsAdapterEnabled() {
		http.Error(w, "adapter disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket: upgrade from %s failed: %v", req.RemoteAddr, err)
		return
	}

	address := req.URL.Query().Get("addr")
	if address == "" {
		address = req.RemoteAddr
	}
	r.attach(RoleServer, address, newWSFrameConn(conn, r.config.WriteTimeout))
}

// ListenAddr returns the bound server address, nil if the server is stopped
func (r *WebSocketRadio) ListenAddr() net.Addr {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// StopGattServer stops the HTTP listener and drops every GATT client
func (r *WebSocketRadio) StopGattServer() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if r.server == nil {
		return nil
	}
	err := r.server.Close()
	r.server = nil
	r.listener = nil
	r.detachAll(RoleServer)
	return err
}

// StartGattClient connects to every configured peer and keeps reconnecting
func (r *WebSocketRadio) StartGattClient() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if r.closed.Load() {
		return ErrClosed
	}
	if r.clientCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.clientCancel = cancel

	for _, peer := range r.config.Peers {
		peer := peer
		r.wg.Add(1)
		go r.maintain(ctx, peer, r.config.ReconnectDelay, func(ctx context.Context) (frameConn, error) {
			return r.dial(ctx, peer)
		})
	}
	return nil
}

func (r *WebSocketRadio) dial(ctx context.Context, address string) (frameConn, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: GattPath}
	if r.config.Name != "" {
		u.RawQuery = url.Values{"addr": {r.config.Name}}.Encode()
	}

	conn, _, err := r.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return newWSFrameConn(conn, r.config.WriteTimeout), nil
}

// StopGattClient drops every GATT server connection
func (r *WebSocketRadio) StopGattClient() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if r.clientCancel == nil {
		return nil
	}
	r.clientCancel()
	r.clientCancel = nil
	r.detachAll(RoleClient)
	return nil
}

// SendToClient implements Radio.SendToClient
func (r *WebSocketRadio) SendToClient(ctx context.Context, address string, data []byte) error {
	return r.send(ctx, RoleServer, address, data)
}

// SendToServer implements Radio.SendToServer
func (r *WebSocketRadio) SendToServer(ctx context.Context, address string, data []byte) error {
	return r.send(ctx, RoleClient, address, data)
}

// LocalAddress returns the configured name or the server listen address
func (r *WebSocketRadio) LocalAddress() (string, error) {
	if r.config.Name != "" {
		return r.config.Name, nil
	}
	if addr := r.ListenAddr(); addr != nil {
		return addr.String(), nil
	}
	return "", ErrRoleNotStarted
}

// Close implements Radio.Close
func (r *WebSocketRadio) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.StopGattServer()
	r.StopGattClient()
	r.shutdown()
	return nil
}

type wsFrameConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeLock    sync.Mutex
}

func newWSFrameConn(conn *websocket.Conn, writeTimeout time.Duration) *wsFrameConn {
	return &wsFrameConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsFrameConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsFrameConn) WriteFrame(ctx context.Context, data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close()
}

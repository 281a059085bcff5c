package radio

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"avaneesh/blefrag/pkg/internal/logger"
)

const quicALPN = "blefrag-gatt"

// QUICConfig configures a QUIC-backed radio. Every GATT link is one QUIC
// stream carrying length-prefixed segments.
type QUICConfig struct {
	ListenAddress  string        // server role, "host:port"
	Peers          []string      // client role, GATT servers to connect to
	MTU            int           // advertised per-peer MTU (0 = no limit)
	ReconnectDelay time.Duration // delay between connection attempts
	WriteTimeout   time.Duration // write deadline per segment (0 = none)
	TLSConfig      *tls.Config   // if nil, a self-signed certificate is generated
	Logger         logger.Logger
}

// QUICRadio implements Radio over QUIC
type QUICRadio struct {
	*link

	config    QUICConfig
	tlsConfig *tls.Config

	roleLock     sync.Mutex
	listener     *quic.Listener
	udpConn      *net.UDPConn
	serverCancel context.CancelFunc
	clientCancel context.CancelFunc
}

// NewQUICRadio creates a QUIC radio. No socket is opened until a role starts.
func NewQUICRadio(config QUICConfig) (*QUICRadio, error) {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = 2 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Second
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = generateTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to generate TLS config: %w", err)
		}
	}

	return &QUICRadio{
		link:      newLink("quic", config.MTU, config.Logger),
		config:    config,
		tlsConfig: tlsConfig,
	}, nil
}

// generateTLSConfig generates a self-signed certificate
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{tlsCert},
		NextProtos:         []string{quicALPN},
		InsecureSkipVerify: true, // self-signed
	}, nil
}

// StartGattServer listens for GATT clients
func (r *QUICRadio) StartGattServer() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if r.closed.Load() {
		return ErrClosed
	}
	if r.listener != nil {
		return nil
	}
	if r.config.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", r.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", r.config.ListenAddress, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.config.ListenAddress, err)
	}

	listener, err := quic.Listen(udpConn, r.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.listener = listener
	r.udpConn = udpConn
	r.serverCancel = cancel

	r.wg.Add(1)
	go r.acceptLoop(ctx, listener)

	r.logger.Info("quic: GATT server listening on %s", listener.Addr())
	return nil
}

// ListenAddr returns the bound server address, nil if the server is stopped
func (r *QUICRadio) ListenAddr() net.Addr {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *QUICRadio) acceptLoop(ctx context.Context, listener *quic.Listener) {
	defer r.wg.Done()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || r.closed.Load() {
				return
			}
			continue
		}

		r.wg.Add(1)
		go r.acceptStream(ctx, conn)
	}
}

func (r *QUICRadio) acceptStream(ctx context.Context, conn *quic.Conn) {
	defer r.wg.Done()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}
	r.attach(RoleServer, conn.RemoteAddr().String(), newQUICFrameConn(conn, stream, r.config.WriteTimeout))
}

// StopGattServer closes the listener and every GATT client connection
func (r *QUICRadio) StopGattServer() error {
	r.roleLock.Lock()
	defer r.roleLock.Unlock()

	if r.listener == nil {
		return nil
	}
	r.serverCancel()
	err := r.listener.Close()
	r.udpConn.Close()
	r.listener = nil
	r.udpConn = nil
	r.detachAll(RoleServer)
	return err
}

// StartGattClient connects to every configured peer and keeps reconnecting
func (r *QUICRadio) StartGattClient() error {
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

func (r *QUICRadio) dial(ctx context.Context, address string) (frameConn, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to resolve remote address %s: %w", address, err)
	}

	conn, err := quic.Dial(ctx, udpConn, remoteAddr, r.tlsConfig, nil)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "failed to open stream")
		udpConn.Close()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	fc := newQUICFrameConn(conn, stream, r.config.WriteTimeout)
	fc.udpConn = udpConn

	// The server accepts the stream once it carries data.
	if err := fc.WriteFrame(ctx, nil); err != nil {
		fc.Close()
		return nil, err
	}
	return fc, nil
}

// StopGattClient drops every GATT server connection
func (r *QUICRadio) StopGattClient() error {
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
func (r *QUICRadio) SendToClient(ctx context.Context, address string, data []byte) error {
	return r.send(ctx, RoleServer, address, data)
}

// SendToServer implements Radio.SendToServer
func (r *QUICRadio) SendToServer(ctx context.Context, address string, data []byte) error {
	return r.send(ctx, RoleClient, address, data)
}

// LocalAddress returns the server listen address, or the configured one
func (r *QUICRadio) LocalAddress() (string, error) {
	if addr := r.ListenAddr(); addr != nil {
		return addr.String(), nil
	}
	if r.config.ListenAddress != "" {
		return r.config.ListenAddress, nil
	}
	return "", ErrRoleNotStarted
}

// Close implements Radio.Close
func (r *QUICRadio) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.StopGattServer()
	r.StopGattClient()
	r.shutdown()
	return nil
}

// quicFrameConn frames segments with a 2-byte big-endian length prefix
type quicFrameConn struct {
	conn         *quic.Conn
	stream       *quic.Stream
	udpConn      *net.UDPConn
	writeTimeout time.Duration
	writeLock    sync.Mutex
	closeOnce    sync.Once
}

func newQUICFrameConn(conn *quic.Conn, stream *quic.Stream, writeTimeout time.Duration) *quicFrameConn {
	return &quicFrameConn{conn: conn, stream: stream, writeTimeout: writeTimeout}
}

func (c *quicFrameConn) ReadFrame() ([]byte, error) {
	return readLengthPrefixed(c.stream)
}

func (c *quicFrameConn) WriteFrame(ctx context.Context, data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.stream.SetWriteDeadline(deadline)
	} else if c.writeTimeout > 0 {
		c.stream.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return writeLengthPrefixed(c.stream, data)
}

func (c *quicFrameConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.Close()
		c.conn.CloseWithError(0, "closed")
		if c.udpConn != nil {
			c.udpConn.Close()
		}
	})
	return nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > 0xFFFF {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	_, err := w.Write(buf)
	return err
}

package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/BioHazard786/warpvoice/internal/dns"
	"github.com/gorilla/websocket"
)

// Close codes used by the signaling channel. CloseServerUnavailable is
// reported when the server refuses the handshake with a 5xx response.
const (
	CloseNormal            = websocket.CloseNormalClosure
	CloseAbnormal          = websocket.CloseAbnormalClosure
	CloseServerUnavailable = 4500
)

// Conn is the subset of *websocket.Conn the transport needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// SocketProvider opens signaling sockets.
type SocketProvider interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// HandshakeError is returned when the server answered the upgrade request
// with a non-101 status.
type HandshakeError struct {
	Status int
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %v", e.Status, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// CloseCode maps a dial or read error to a websocket close code.
func CloseCode(err error) int {
	var hs *HandshakeError
	if errors.As(err, &hs) && hs.Status >= http.StatusInternalServerError {
		return CloseServerUnavailable
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

// Dialer opens gorilla websocket connections, resolving hosts through
// the fallback resolver in internal/dns.
type Dialer struct {
	HandshakeTimeout time.Duration
	Resolve          func(ctx context.Context, host string) (string, error)
}

func NewDialer() *Dialer {
	return &Dialer{
		HandshakeTimeout: 10 * time.Second,
		Resolve:          dns.LookupContext,
	}
}

func (d *Dialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		NetDialContext:   d.netDial,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{Status: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

func (d *Dialer) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ip := host
	if net.ParseIP(host) == nil && d.Resolve != nil {
		ip, err = d.Resolve(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}
	}

	var nd net.Dialer
	return nd.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

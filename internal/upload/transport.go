// Package upload implements the two multipart upload clients used by the
// pipeline: the report service and the stats aggregator. Clients never retry
// and never return the secret token in any error or log line.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors for upload failures. Match with errors.Is.
var (
	ErrTimeout     = errors.New("upload timed out")
	ErrUnreachable = errors.New("upload endpoint unreachable")
)

const (
	// DefaultReadTimeout bounds a whole request, large logs take a while.
	DefaultReadTimeout = 15 * time.Minute
	// DefaultWriteTimeout bounds every single socket write.
	DefaultWriteTimeout = 5 * time.Second

	// maxResponseBody caps how much of a response is kept.
	maxResponseBody = 4 << 20
)

const redacted = "******"

// Redact replaces every occurrence of secret in s.
func Redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, redacted)
}

// NewHTTPClient builds the client shared by both uploaders. readTimeout
// limits the whole exchange; writeTimeout is re-armed before each write on
// the underlying connection so a stalled upload fails fast.
func NewHTTPClient(readTimeout, writeTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if writeTimeout <= 0 {
			return conn, nil
		}
		return &writeDeadlineConn{Conn: conn, timeout: writeTimeout}, nil
	}
	return &http.Client{Timeout: readTimeout, Transport: tr}
}

// writeDeadlineConn sets a fresh write deadline before every Write.
type writeDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *writeDeadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// classifyError maps a transport error to a sentinel and strips the secret.
// The original error is not wrapped because its text may carry the token in a URL.
func classifyError(err error, secret string) error {
	msg := Redact(err.Error(), secret)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	}
	return fmt.Errorf("%w: %s", ErrUnreachable, msg)
}

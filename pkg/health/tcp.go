package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// TCPChecker verifies a dependency's port accepts connections. It is used
// for the PostgreSQL write store, where a failed dial separates network
// trouble from database errors reported by Ping.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP health checker
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// PostgresAddress extracts host:port from a PostgreSQL DSN in URL or
// key=value form. ok is false when the DSN names no TCP host, such as a
// unix socket path.
func PostgresAddress(dsn string) (addr string, ok bool) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil || u.Hostname() == "" {
			return "", false
		}
		port := u.Port()
		if port == "" {
			port = "5432"
		}
		return net.JoinHostPort(u.Hostname(), port), true
	}

	host, port := "", "5432"
	for _, field := range strings.Fields(dsn) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch key {
		case "host":
			host = value
		case "port":
			port = value
		}
	}
	if host == "" || strings.HasPrefix(host, "/") {
		return "", false
	}
	return net.JoinHostPort(host, port), true
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return result(start, false, fmt.Sprintf("connection failed: %v", err))
	}
	defer conn.Close()

	return result(start, true, fmt.Sprintf("TCP connection to %s successful", t.Address))
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

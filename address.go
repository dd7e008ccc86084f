package ipcmux

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Connection string prefixes accepted by ParseAddress.
const (
	unixPrefix         = "unix:"
	unixAbstractPrefix = "unix-abstract:"
	tcpPrefix          = "tcp://"
)

// SocketAddress is a parsed connection string. It knows how to dial (client
// pipes) and listen (server pipes) with the socket options this protocol
// requires: non-blocking behavior comes from the net package, Nagle is
// disabled on inet stream sockets, and wildcard listeners accept both IPv4
// and IPv6 clients.
type SocketAddress struct {
	network  string // "unix" or "tcp"
	addr     string // address in net package form
	path     string // unix path or abstract name
	host     string // tcp host literal
	port     uint16
	abstract bool
	wildcard bool
}

// ParseAddress parses a connection string. Exactly three forms are accepted:
//
//	unix:<path>             filesystem unix domain socket
//	unix-abstract:<name>    Linux abstract namespace socket
//	tcp://<host>[:<port>]   IPv4/IPv6, '*' host for the dual-stack wildcard
//
// IPv6 hosts with a port must be bracketed ("tcp://[::1]:9000"); two or more
// unbracketed colons are treated as a bare IPv6 address. portHint supplies
// the port when the string carries none.
func ParseAddress(connStr string, portHint uint16) (*SocketAddress, error) {
	switch {
	case strings.HasPrefix(connStr, unixPrefix):
		return parseUnix(connStr[len(unixPrefix):], false)
	case strings.HasPrefix(connStr, unixAbstractPrefix):
		return parseUnix(connStr[len(unixAbstractPrefix):], true)
	case strings.HasPrefix(connStr, tcpPrefix):
		return parseTCP(connStr[len(tcpPrefix):], portHint)
	default:
		return nil, newError(CodeInvalidArgument, "unsupported connection string format (conn_str=%q)", connStr)
	}
}

func parseUnix(path string, abstract bool) (*SocketAddress, error) {
	if path == "" {
		return nil, newError(CodeInvalidArgument, "empty unix domain path")
	}

	addr := path
	if abstract {
		// The net package maps a leading '@' to a leading null byte in
		// sun_path, which is exactly the abstract namespace form.
		addr = "@" + path
	}

	return &SocketAddress{
		network:  "unix",
		addr:     addr,
		path:     path,
		abstract: abstract,
	}, nil
}

func parseTCP(addrStr string, portHint uint16) (*SocketAddress, error) {
	host, portPart, err := splitHostPort(addrStr)
	if err != nil {
		return nil, err
	}

	port := portHint
	if portPart != "" {
		parsed, err := strconv.ParseUint(portPart, 10, 64)
		if err != nil {
			return nil, newError(CodeInvalidArgument, "invalid port number (port=%q)", portPart)
		}
		if parsed > 65535 {
			return nil, newError(CodeInvalidArgument, "port number is too large (port=%d)", parsed)
		}
		port = uint16(parsed)
	}

	if host == "*" {
		return &SocketAddress{
			network:  "tcp",
			addr:     fmt.Sprintf(":%d", port),
			host:     host,
			port:     port,
			wildcard: true,
		}, nil
	}

	if net.ParseIP(host) == nil {
		return nil, newError(CodeInvalidArgument, "unsupported ip address format (addr=%q)", host)
	}

	return &SocketAddress{
		network: "tcp",
		addr:    net.JoinHostPort(host, strconv.Itoa(int(port))),
		host:    host,
		port:    port,
	}, nil
}

// splitHostPort separates the host and the optional decimal port. A leading
// '[' starts a bracketed IPv6 literal; otherwise a single ':' splits host
// and port, while two or more mean a bare IPv6 address without a port.
func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.LastIndex(s, "]")
		if end < 0 {
			return "", "", newError(CodeInvalidArgument, "invalid IPv6 address; unclosed '[' (addr=%q)", s)
		}
		host = s[1:end]

		rest := s[end+1:]
		if rest == "" {
			return host, "", nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", newError(CodeInvalidArgument, "invalid IPv6 address; expected port suffix after ']' (addr=%q)", s)
		}
		return host, rest[1:], nil
	}

	first := strings.Index(s, ":")
	if first < 0 {
		return s, "", nil
	}
	if strings.Contains(s[first+1:], ":") {
		// At least two colons without brackets: IPv6 without a port.
		return s, "", nil
	}
	return s[:first], s[first+1:], nil
}

// Network returns the net package network name ("unix" or "tcp").
func (a *SocketAddress) Network() string {
	return a.network
}

// Addr returns the address in the form the net package expects.
func (a *SocketAddress) Addr() string {
	return a.addr
}

// IsWildcard reports whether this is the dual-stack '*' listener address.
func (a *SocketAddress) IsWildcard() bool {
	return a.wildcard
}

// String reconstructs the canonical textual form of the address.
func (a *SocketAddress) String() string {
	switch {
	case a.network == "unix" && a.abstract:
		return unixAbstractPrefix + a.path
	case a.network == "unix":
		return unixPrefix + a.path
	case a.wildcard:
		return fmt.Sprintf("*:%d", a.port)
	case strings.Contains(a.host, ":"):
		return fmt.Sprintf("[%s]:%d", a.host, a.port)
	default:
		return fmt.Sprintf("%s:%d", a.host, a.port)
	}
}

// Dial connects to the address, bounded by timeout. Inet stream sockets get
// TCP_NODELAY so small IPC frames leave immediately.
func (a *SocketAddress) Dial(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, a.network, a.addr)
	if err != nil {
		return nil, wrapError(CodeIO, errors.Wrapf(err, "dial %s", a), "connect failed")
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	return conn, nil
}

// Listen binds and listens on the address. Wildcard listeners clear
// IPV6_V6ONLY so that v4-mapped clients reach the same socket.
func (a *SocketAddress) Listen(ctx context.Context) (net.Listener, error) {
	lc := net.ListenConfig{}
	if a.wildcard {
		lc.Control = clearV6Only
	}

	listener, err := lc.Listen(ctx, a.network, a.addr)
	if err != nil {
		return nil, wrapError(CodeIO, errors.Wrapf(err, "listen %s", a), "bind failed")
	}

	return listener, nil
}

func clearV6Only(network, address string, c syscall.RawConn) error {
	var optErr error
	err := c.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return err
	}
	return optErr
}

// isTransientAcceptError reports whether an accept failure is worth
// retrying. The errno list follows the usual classification of temporary
// network conditions.
func isTransientAcceptError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	switch errno {
	case unix.EINTR, unix.ENETDOWN, unix.ETIMEDOUT, unix.EHOSTDOWN,
		unix.ENETUNREACH, unix.ECONNABORTED, unix.EHOSTUNREACH, unix.EPROTO:
		return true
	default:
		return false
	}
}

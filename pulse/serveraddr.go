package pulse

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pulsego/internal/config"
)

// defaultNativePort is the TCP port convention for the native protocol
// when an address gives a bare host with no port.
const defaultNativePort = 4713

// systemWideSocketPath is the secondary, non-user-specific socket
// checked after the per-user one.
const systemWideSocketPath = "/var/run/pulse/native"

type serverAddr struct {
	raw  string
	kind string // "unix", "tcp4", "tcp6", or "tcp"
	path string // unix: socket path
	host string // tcp*: hostname
	port int    // tcp*: port, defaultNativePort if unspecified
}

// splitServerList tokenizes a PULSE_SERVER-style string (or an explicit
// connect argument) on whitespace.
func splitServerList(s string) []string {
	return strings.Fields(s)
}

// resolveServerList builds the candidate list: an explicit argument or
// $PULSE_SERVER wins outright; otherwise the list is built from the
// per-user socket, the system-wide socket, both localhost transports,
// and (if $DISPLAY is set) the display's hostname, tried in that order.
func resolveServerList(explicit string, cfg config.Config) []string {
	if explicit != "" {
		return splitServerList(explicit)
	}
	if cfg.ServerString != "" {
		return splitServerList(cfg.ServerString)
	}

	var list []string
	if p := perUserSocketAddr(); p != "" {
		list = append(list, p)
	}
	list = append(list, "unix:"+systemWideSocketPath)
	list = append(list, "tcp4:localhost", "tcp6:localhost")
	if cfg.Display != "" {
		if host := displayHostname(cfg.Display); host != "" {
			list = append(list, "tcp:"+host)
		}
	}
	return list
}

// perUserSocketAddr resolves the per-user runtime socket: $XDG_RUNTIME_DIR
// if set, else the legacy /tmp/pulse-<user>/ convention when that
// directory's owner UID matches the caller's.
func perUserSocketAddr() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return "unix:" + filepath.Join(dir, "pulse", "native")
	}
	if dir := legacyRuntimeDir(); dir != "" {
		return "unix:" + filepath.Join(dir, "native")
	}
	return ""
}

func legacyRuntimeDir() string {
	dir := filepath.Join(os.TempDir(), fmt.Sprintf("pulse-%s", currentUsername()))
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return ""
	}
	if !dirOwnedByCaller(info) {
		return ""
	}
	return dir
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return strconv.Itoa(os.Getuid())
}

// displayHostname extracts the host portion of an X11 $DISPLAY value
// ("host:0.0" -> "host"); a local display ("", ":0", "unix:0") yields no
// remote candidate.
func displayHostname(display string) string {
	host, _, found := strings.Cut(display, ":")
	if !found || host == "" || host == "unix" {
		return ""
	}
	return host
}

// parseServerAddr decodes one address-list entry. Accepted forms:
// "unix:<path>", "tcp:<host>[:<port>]", "tcp4:<host>[:<port>]",
// "tcp6:<host>[:<port>]", or a bare "/absolute/path" unix socket.
func parseServerAddr(raw string) (serverAddr, error) {
	if strings.HasPrefix(raw, "/") {
		return serverAddr{raw: raw, kind: "unix", path: raw}, nil
	}
	kind, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return serverAddr{}, fmt.Errorf("pulse: malformed server address %q", raw)
	}
	switch kind {
	case "unix":
		if rest == "" {
			return serverAddr{}, fmt.Errorf("pulse: empty unix socket path in %q", raw)
		}
		return serverAddr{raw: raw, kind: "unix", path: rest}, nil
	case "tcp", "tcp4", "tcp6":
		host, portStr, hasPort := strings.Cut(rest, ":")
		port := defaultNativePort
		if hasPort {
			n, err := strconv.Atoi(portStr)
			if err != nil || n < 1 || n > 65535 {
				return serverAddr{}, fmt.Errorf("pulse: invalid port in %q", raw)
			}
			port = n
		}
		if host == "" {
			return serverAddr{}, fmt.Errorf("pulse: empty host in %q", raw)
		}
		return serverAddr{raw: raw, kind: kind, host: host, port: port}, nil
	default:
		return serverAddr{}, fmt.Errorf("pulse: unrecognized server address scheme %q", raw)
	}
}

// dialServerAddr opens a socket to addr with the given dial timeout.
func dialServerAddr(addr serverAddr, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	switch addr.kind {
	case "unix":
		return d.Dial("unix", addr.path)
	case "tcp4":
		return d.Dial("tcp4", net.JoinHostPort(addr.host, strconv.Itoa(addr.port)))
	case "tcp6":
		return d.Dial("tcp6", net.JoinHostPort(addr.host, strconv.Itoa(addr.port)))
	default:
		return d.Dial("tcp", net.JoinHostPort(addr.host, strconv.Itoa(addr.port)))
	}
}

// shouldTryNextAddr reports whether a dial failure for one candidate
// should fall through to the next one in the list: ECONNREFUSED,
// ETIMEDOUT and EHOSTUNREACH try the next, anything else fails the
// attempt immediately.
func shouldTryNextAddr(err error) bool {
	return isConnRefused(err) || isTimeout(err) || isHostUnreachable(err)
}

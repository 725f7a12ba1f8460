package pulse

import (
	"os"
	"path/filepath"
)

// cookieLength is the size of the shared auth secret AUTH carries.
const cookieLength = 256

// loadCookie returns the client's authentication cookie, read from the
// first candidate path that exists. A cookie shorter than cookieLength,
// or no candidate at all, yields cookieLength zero bytes rather than an
// error: AUTH still round-trips, it simply fails authentication against
// a server with a real cookie installed.
func loadCookie() []byte {
	cookie := make([]byte, cookieLength)
	for _, p := range cookieSearchPaths() {
		data, err := os.ReadFile(p)
		if err != nil || len(data) < cookieLength {
			continue
		}
		copy(cookie, data[:cookieLength])
		return cookie
	}
	return cookie
}

// cookieSearchPaths lists the well-known cookie locations: an explicit
// override, then the per-user config locations.
func cookieSearchPaths() []string {
	var paths []string
	if v := os.Getenv("PULSE_COOKIE"); v != "" {
		paths = append(paths, v)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pulse", "cookie"))
		paths = append(paths, filepath.Join(home, ".pulse-cookie"))
	}
	return paths
}

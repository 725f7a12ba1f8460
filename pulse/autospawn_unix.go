//go:build unix

package pulse

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// autospawnBinary is the daemon executable autospawn execs when no
// server in the address list can be reached.
const autospawnBinary = "pulseaudio"

// autospawnLock serializes autospawn across peers via flock(2) on a
// well-known path.
type autospawnLock struct {
	f *os.File
}

func acquireAutospawnLock() (*autospawnLock, error) {
	path := autospawnLockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("pulse: create autospawn lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("pulse: open autospawn lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("pulse: flock autospawn lock: %w", err)
	}
	return &autospawnLock{f: f}, nil
}

// Release drops the flock and closes the file. Safe to call on a nil
// receiver so defer sites don't need a nil check of their own.
func (l *autospawnLock) Release() {
	if l == nil || l.f == nil {
		return
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}

func autospawnLockPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "pulse", "autospawn.lock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("pulse-autospawn-%s.lock", currentUsername()))
}

// spawnServer forks+execs the daemon with one end of a freshly created
// socketpair passed via $PULSE_PASSED_FD, waits for the exec'd process
// to exit (it daemonizes itself), and returns a net.Conn wrapping the
// retained end.
//
// This closes its copy of the child's fd after spawning and treats the
// daemon's exit code 0 as sufficient evidence the pair is wired up; the
// first real read or write on the inherited end, not an extra probe
// here, is what surfaces a mis-wired pair.
func spawnServer(env []string) (net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("pulse: autospawn socketpair: %w", err)
	}
	childFile := os.NewFile(uintptr(fds[1]), "pulse-autospawn-child")
	parentFile := os.NewFile(uintptr(fds[0]), "pulse-autospawn-parent")

	cmd := exec.Command(autospawnBinary, "--daemonize=yes")
	cmd.ExtraFiles = []*os.File{childFile}
	// ExtraFiles[0] always lands at fd 3 in the child (0,1,2 are stdio).
	cmd.Env = append(append([]string{}, env...), "PULSE_PASSED_FD=3")

	if err := cmd.Run(); err != nil {
		childFile.Close()
		parentFile.Close()
		return nil, fmt.Errorf("pulse: autospawn exec %s: %w", autospawnBinary, err)
	}
	childFile.Close()

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		return nil, fmt.Errorf("pulse: wrap autospawn socket: %w", err)
	}
	return conn, nil
}

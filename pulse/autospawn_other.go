//go:build !unix

package pulse

import (
	"fmt"
	"net"
)

type autospawnLock struct{}

func acquireAutospawnLock() (*autospawnLock, error) {
	return nil, fmt.Errorf("pulse: autospawn is not supported on this platform")
}

func (l *autospawnLock) Release() {}

func spawnServer(env []string) (net.Conn, error) {
	return nil, fmt.Errorf("pulse: autospawn is not supported on this platform")
}

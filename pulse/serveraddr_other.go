//go:build !unix

package pulse

import "os"

func dirOwnedByCaller(info os.FileInfo) bool { return false }

func isConnRefused(err error) bool     { return false }
func isTimeout(err error) bool         { return os.IsTimeout(err) }
func isHostUnreachable(err error) bool { return false }

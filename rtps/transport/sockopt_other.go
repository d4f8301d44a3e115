//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package transport

import "syscall"

// reuseControl is a no-op where SO_REUSEPORT is unavailable; only one
// participant per host can then bind the multicast ports.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}

package torcfg

import (
	"errors"
	"strconv"
	"syscall"
)

func portString(port int) string {
	return strconv.Itoa(port)
}

// isAddrInUse reports whether err ultimately wraps EADDRINUSE, which the
// port probe contract maps to "unavailable" rather than propagating as an
// I/O error.
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

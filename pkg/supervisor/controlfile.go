package supervisor

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	torerrors "github.com/opd-ai/torsupervisor/pkg/errors"
)

// Endpoint is the control-port address the supervisor discovered, either a
// TCP host:port or a Unix domain socket path.
type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string
}

// parseControlPortFile implements spec §6's control-port-write-to-file
// format: one or more "KEY=ARG" lines, KEY in {PORT, UNIX_PORT}. UNIX_PORT
// takes precedence; the first usable endpoint wins (spec §4.4 step 9).
func parseControlPortFile(path string) (Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Endpoint{}, torerrors.ControlDiscoveryError("opening control-port file", err)
	}
	defer f.Close()

	var unixEndpoint, tcpEndpoint *Endpoint
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, arg, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "UNIX_PORT":
			if unixEndpoint != nil {
				continue
			}
			if _, err := os.Stat(arg); err == nil {
				e := Endpoint{Network: "unix", Address: arg}
				unixEndpoint = &e
			}
		case "PORT":
			host, port, ok := strings.Cut(arg, ":")
			if !ok || tcpEndpoint != nil {
				continue
			}
			e := Endpoint{Network: "tcp", Address: fmt.Sprintf("%s:%s", host, port)}
			tcpEndpoint = &e
		}
	}
	if err := scanner.Err(); err != nil {
		return Endpoint{}, torerrors.ControlDiscoveryError("reading control-port file", err)
	}
	// UNIX_PORT takes precedence, but only when the socket actually exists;
	// the first usable endpoint wins (spec §4.4 step 9).
	if unixEndpoint != nil {
		return *unixEndpoint, nil
	}
	if tcpEndpoint != nil {
		return *tcpEndpoint, nil
	}
	return Endpoint{}, torerrors.ControlDiscoveryError("control-port file contained no usable endpoint", nil)
}

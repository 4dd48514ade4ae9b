package torcfg

import "fmt"

// Port is a concrete TCP port number. Values 1-1023 are "privileged" (the
// original Tor controller data model distinguishes them to warn when a
// non-root process requests one); 1024-65535 are "ephemeral".
type Port int

// NewPort validates v is in the 1..65535 range, matching spec §3's Port
// variant bound.
func NewPort(v int) (Port, error) {
	if v < 1 || v > 65535 {
		return 0, fmt.Errorf("torcfg: port %d out of range [1,65535]", v)
	}
	return Port(v), nil
}

func (p Port) IsPrivileged() bool { return p >= 1 && p <= 1023 }
func (p Port) IsEphemeral() bool  { return p >= 1024 && p <= 65535 }

// VirtualPort maps a hidden-service virtual port to either a TCP target
// (bound to localhost) or, on Unix platforms, a Unix domain socket target.
type VirtualPort struct {
	Virtual          int
	TargetPort       int    // 0 means "same as Virtual"; ignored when TargetUnixSocket is set.
	TargetUnixSocket string // empty means this is a TCP target.
}

// NewTCPVirtualPort builds a {virtual_port, target_port} VirtualPort. A
// targetPort of 0 defaults the target to the virtual port, per spec.
func NewTCPVirtualPort(virtual, targetPort int) VirtualPort {
	return VirtualPort{Virtual: virtual, TargetPort: targetPort}
}

// NewUnixVirtualPort builds a {virtual_port, target_unix_socket} VirtualPort.
// Valid only on Unix platforms; HiddenService.SetPorts drops these silently
// elsewhere, per spec §3.
func NewUnixVirtualPort(virtual int, socketPath string) VirtualPort {
	return VirtualPort{Virtual: virtual, TargetUnixSocket: socketPath}
}

func (v VirtualPort) IsUnix() bool { return v.TargetUnixSocket != "" }

// Serialize renders the "<virt> <target>" argument of a HiddenServicePort
// line (without the leading keyword).
func (v VirtualPort) Serialize() string {
	if v.IsUnix() {
		return fmt.Sprintf("%d unix:%q", v.Virtual, v.TargetUnixSocket)
	}
	target := v.TargetPort
	if target == 0 {
		target = v.Virtual
	}
	return fmt.Sprintf("%d 127.0.0.1:%d", v.Virtual, target)
}

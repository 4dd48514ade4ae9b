package torcfg

import (
	"fmt"
	"runtime"
)

// HiddenService aggregates a hidden service's directory and port mappings.
// It is emitted to a Config's text only when both Dir and at least one Port
// are set (Emit).
type HiddenService struct {
	Dir                    FileSystemDir
	Ports                  []VirtualPort
	MaxStreams             *int
	MaxStreamsCloseCircuit *bool
}

// NewHiddenService returns an empty HiddenService rooted at dir.
func NewHiddenService(dir FileSystemDir) *HiddenService {
	return &HiddenService{Dir: dir}
}

// SetPorts replaces the port set, silently dropping Unix-socket targets on
// non-Unix platforms (spec §3: "silently dropped on non-Unix platforms at
// setPorts time").
func (hs *HiddenService) SetPorts(ports []VirtualPort) {
	if runtime.GOOS != "windows" {
		hs.Ports = append([]VirtualPort(nil), ports...)
		return
	}
	filtered := make([]VirtualPort, 0, len(ports))
	for _, p := range ports {
		if p.IsUnix() {
			continue
		}
		filtered = append(filtered, p)
	}
	hs.Ports = filtered
}

// SetMaxStreams validates the 0..65535 bound spec names
// ("MaxStreams(65536) rejected with IllegalArgument").
func (hs *HiddenService) SetMaxStreams(n int) error {
	if n < 0 || n > 65535 {
		return fmt.Errorf("torcfg: HiddenServiceMaxStreams %d out of range [0,65535]", n)
	}
	hs.MaxStreams = &n
	return nil
}

func (hs *HiddenService) SetMaxStreamsCloseCircuit(v bool) {
	hs.MaxStreamsCloseCircuit = &v
}

// Emit reports whether this hidden service should appear in a Config's
// serialized text.
func (hs *HiddenService) Emit() bool {
	return !hs.Dir.IsAbsent() && len(hs.Ports) > 0
}

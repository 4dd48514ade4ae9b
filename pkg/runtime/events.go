package runtime

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/opd-ai/torsupervisor/pkg/ctrlconn"
)

var (
	bootstrappedRe  = regexp.MustCompile(`Bootstrapped (\d+)%`)
	progressRe      = regexp.MustCompile(`PROGRESS=(\d+)`)
	closingListener = regexp.MustCompile(`Closing .* listener.* on (\S+)`)
	openedListener  = regexp.MustCompile(`Opened .* listener connection \(ready\) on (\S+)`)
)

// ListenerKind tags the typed listener set spec §4.5 names.
type ListenerKind int

const (
	ListenerSocks ListenerKind = iota
	ListenerControl
	ListenerDNS
	ListenerHTTPTunnel
	ListenerTrans
	ListenerUnknown
)

// ListenerEvent is published whenever Tor opens or closes a listener.
type ListenerEvent struct {
	Kind    ListenerKind
	Address string
	Open    bool
}

// handleAsyncReply inspects one async (650) Reply and applies whatever
// state transitions and event publications it implies: Bootstrapped%,
// listener notices, CONF_CHANGED DisableNetwork/SocksPort.
func (r *Runtime) handleAsyncReply(reply ctrlconn.Reply) {
	confChanged := false
	for _, line := range reply.Lines {
		if confChanged {
			// Multi-line CONF_CHANGED: each following line is one key=value.
			r.handleConfChanged(line)
			continue
		}
		confChanged = strings.HasPrefix(line, "CONF_CHANGED")
		r.handleAsyncLine(line)
	}
}

func (r *Runtime) handleAsyncLine(line string) {
	switch {
	case strings.HasPrefix(line, "STATUS_CLIENT") && strings.Contains(line, "BOOTSTRAP"):
		if m := progressRe.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			r.state.applyDaemon(DaemonOn, n)
		}
	case strings.HasPrefix(line, "NOTICE"):
		r.handleNotice(strings.TrimPrefix(line, "NOTICE "))
	case strings.HasPrefix(line, "CONF_CHANGED"):
		r.handleConfChanged(strings.TrimPrefix(line, "CONF_CHANGED "))
	}
}

func (r *Runtime) handleNotice(body string) {
	if m := bootstrappedRe.FindStringSubmatch(body); m != nil {
		n, _ := strconv.Atoi(m[1])
		r.state.applyDaemon(DaemonOn, n)
		return
	}
	if m := closingListener.FindStringSubmatch(body); m != nil {
		r.publishListener(ListenerEvent{Kind: classifyListener(body), Address: m[1], Open: false})
		return
	}
	if m := openedListener.FindStringSubmatch(body); m != nil {
		r.publishListener(ListenerEvent{Kind: classifyListener(body), Address: m[1], Open: true})
		return
	}
}

func classifyListener(body string) ListenerKind {
	switch {
	case strings.Contains(body, "Socks"):
		return ListenerSocks
	case strings.Contains(body, "Control"):
		return ListenerControl
	case strings.Contains(body, "DNS"):
		return ListenerDNS
	case strings.Contains(body, "HTTP"):
		return ListenerHTTPTunnel
	case strings.Contains(body, "Trans"):
		return ListenerTrans
	default:
		return ListenerUnknown
	}
}

func (r *Runtime) handleConfChanged(body string) {
	for _, kv := range strings.Fields(body) {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "DisableNetwork":
			if val == "1" {
				r.state.applyNetwork(NetworkDisabled)
			} else if val == "0" {
				r.state.applyNetwork(NetworkEnabled)
			}
		case "SocksPort":
			r.publishListener(ListenerEvent{Kind: ListenerSocks, Address: val, Open: true})
		}
	}
}

func (r *Runtime) publishListener(ev ListenerEvent) {
	r.listenerMu.Lock()
	subs := append([]func(ListenerEvent){}, r.listenerSubs...)
	r.listenerMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

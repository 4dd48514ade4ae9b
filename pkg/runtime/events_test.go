package runtime

import (
	"testing"

	"github.com/opd-ai/torsupervisor/pkg/ctrlconn"
)

func newTestRuntimeForEvents() *Runtime {
	return &Runtime{state: newStateGuard(), userEvents: make(map[string]bool)}
}

func TestHandleAsyncReplyBootstrapped(t *testing.T) {
	r := newTestRuntimeForEvents()
	r.state.applyDaemon(DaemonStarting, 0)

	r.handleAsyncReply(ctrlconn.Reply{
		Code:    650,
		IsAsync: true,
		Lines:   []string{`STATUS_CLIENT NOTICE BOOTSTRAP PROGRESS=42 TAG=handshake SUMMARY="Handshaking"`},
	})

	got := r.State()
	if got.Daemon != DaemonOn || got.Bootstrap != 42 {
		t.Errorf("state = %+v, want Daemon=On Bootstrap=42", got)
	}
}

func TestHandleAsyncReplyConfChangedDisableNetwork(t *testing.T) {
	r := newTestRuntimeForEvents()
	r.state.applyDaemon(DaemonStarting, 0)
	r.state.applyDaemon(DaemonOn, 100)

	r.handleAsyncReply(ctrlconn.Reply{
		Code: 650, IsAsync: true,
		Lines: []string{"CONF_CHANGED", "DisableNetwork=0"},
	})
	if r.State().Network != NetworkEnabled {
		t.Errorf("Network = %v, want Enabled", r.State().Network)
	}

	r.handleAsyncReply(ctrlconn.Reply{
		Code: 650, IsAsync: true,
		Lines: []string{"CONF_CHANGED", "DisableNetwork=1"},
	})
	if r.State().Network != NetworkDisabled {
		t.Errorf("Network = %v, want Disabled", r.State().Network)
	}
}

func TestHandleAsyncReplyListenerNotices(t *testing.T) {
	r := newTestRuntimeForEvents()
	var got []ListenerEvent
	r.SubscribeListeners(func(ev ListenerEvent) { got = append(got, ev) })

	r.handleAsyncReply(ctrlconn.Reply{
		Code: 650, IsAsync: true,
		Lines: []string{`NOTICE Opened Socks listener connection (ready) on 127.0.0.1:9050`},
	})
	r.handleAsyncReply(ctrlconn.Reply{
		Code: 650, IsAsync: true,
		Lines: []string{`NOTICE Closing old Socks listener on 127.0.0.1:9050`},
	})

	if len(got) != 2 {
		t.Fatalf("got %d listener events, want 2", len(got))
	}
	if !got[0].Open || got[0].Kind != ListenerSocks {
		t.Errorf("event 0 = %+v, want Open Socks", got[0])
	}
	if got[1].Open || got[1].Kind != ListenerSocks {
		t.Errorf("event 1 = %+v, want Closed Socks", got[1])
	}
}

func TestEventUnionDeduplicatesAndIncludesRequired(t *testing.T) {
	r := newTestRuntimeForEvents()
	r.SubscribeEventType("STATUS_CLIENT")
	r.SubscribeEventType("HS_DESC")

	union := r.eventUnion()
	seen := map[string]int{}
	for _, e := range union {
		seen[e]++
	}
	for _, req := range requiredEvents {
		if seen[req] != 1 {
			t.Errorf("required event %q appears %d times, want exactly 1", req, seen[req])
		}
	}
	if seen["HS_DESC"] != 1 {
		t.Error("expected user-subscribed HS_DESC event in the union")
	}
}

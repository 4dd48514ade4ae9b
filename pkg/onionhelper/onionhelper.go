// Package onionhelper is a thin, optional layer over an already-Started
// Runtime that creates and destroys v3 hidden services via ADD_ONION/
// DEL_ONION. It does not manage the Tor process or open a second control
// connection; every command goes through Runtime.ExecCommand, the same
// CtrlConnection ProcessSupervisor already owns.
//
// The forwarding trick (bind a local net.Listener, hand its address to
// Tor as the Port= target) is the same one the teacher's pkg/bine wrapper
// used bine's tor.Tor.Listen for; here it's done directly against
// ExecCommand so the hidden service never needs its own control socket.
package onionhelper

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/opd-ai/torsupervisor/pkg/ctrlconn"
	torerrors "github.com/opd-ai/torsupervisor/pkg/errors"
	"github.com/opd-ai/torsupervisor/pkg/runtime"
)

// Executor is the subset of Runtime a helper needs. runtime.Runtime
// satisfies it.
type Executor interface {
	ExecCommand(ctx context.Context, cmd ctrlconn.CtrlCommand) (ctrlconn.Reply, error)
}

var _ Executor = (*runtime.Runtime)(nil)

// Service describes a created v3 hidden service: its onion address, the
// local listener Tor forwards connections to, and the private key Tor
// returned (empty when DiscardKey was set, or when an existing key was
// supplied on creation, since Tor echoes a key back only when it
// generated one).
type Service struct {
	Address    string // base32 service ID, without ".onion"
	PrivateKey string // "ED25519-V3:<base64>", empty if discarded/supplied
	Listener   net.Listener

	helper    *Helper
	virtPort  int
}

// OnionAddress returns the service's full ".onion" hostname.
func (s *Service) OnionAddress() string { return s.Address + ".onion" }

// Accept waits for the next inbound connection Tor forwarded to this
// service's virtual port.
func (s *Service) Accept() (net.Conn, error) { return s.Listener.Accept() }

// Close stops accepting new connections and issues DEL_ONION, leaving the
// virtual host reachable for any in-flight connections already accepted.
func (s *Service) Close() error {
	lErr := s.Listener.Close()
	_, cErr := s.helper.exec.ExecCommand(context.Background(), ctrlconn.CtrlCommand{
		Kind: ctrlconn.CmdDelOnion,
		Keys: []string{s.Address},
	})
	if cErr != nil {
		return cErr
	}
	return lErr
}

// Helper issues ADD_ONION/DEL_ONION against a Started Runtime.
type Helper struct {
	exec Executor
}

// New wraps exec (typically a *runtime.Runtime already past Start) for
// onion-service creation.
func New(exec Executor) *Helper {
	return &Helper{exec: exec}
}

// CreateOptions configures CreateHiddenService.
type CreateOptions struct {
	// Key is the ADD_ONION key argument: "NEW:BEST", "NEW:ED25519-V3", or
	// a previously returned "ED25519-V3:<base64>" to recreate the same
	// address. Defaults to "NEW:ED25519-V3".
	Key string

	// DiscardKey sets the DiscardPK flag, telling Tor not to return the
	// private key (only useful when Key requests a new one).
	DiscardKey bool

	// Detach sets the Detach flag: the service survives this
	// CtrlConnection closing instead of being torn down with it.
	Detach bool

	// ListenNetwork/ListenAddress pick the local forwarding address; both
	// default to "tcp"/"127.0.0.1:0" (an OS-assigned loopback port).
	ListenNetwork string
	ListenAddress string
}

// CreateHiddenService binds a local listener, issues ADD_ONION mapping
// virtPort to that listener's address, and returns the resulting Service.
// On any failure after the listener is opened, the listener is closed
// before returning.
func (h *Helper) CreateHiddenService(ctx context.Context, virtPort int, opts CreateOptions) (*Service, error) {
	if opts.Key == "" {
		opts.Key = "NEW:ED25519-V3"
	}
	network := opts.ListenNetwork
	if network == "" {
		network = "tcp"
	}
	address := opts.ListenAddress
	if address == "" {
		address = "127.0.0.1:0"
	}

	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, torerrors.ProtocolError("binding local hidden-service listener", err)
	}

	cmd := ctrlconn.CtrlCommand{
		Kind:       ctrlconn.CmdAddOnion,
		OnionKey:   opts.Key,
		OnionPorts: []string{fmt.Sprintf("%d,%s", virtPort, ln.Addr().String())},
	}
	if opts.DiscardKey {
		cmd.OnionFlags = append(cmd.OnionFlags, "DiscardPK")
	}
	if opts.Detach {
		cmd.OnionFlags = append(cmd.OnionFlags, "Detach")
	}

	reply, err := h.exec.ExecCommand(ctx, cmd)
	if err != nil {
		ln.Close()
		return nil, err
	}

	svc, err := parseAddOnionReply(reply)
	if err != nil {
		ln.Close()
		return nil, err
	}
	svc.Listener = ln
	svc.helper = h
	svc.virtPort = virtPort
	return svc, nil
}

// parseAddOnionReply extracts ServiceID and PrivateKey from a 250-line
// ADD_ONION reply:
//
//	250-ServiceID=<address>
//	250-PrivateKey=<type>:<blob>
//	250 OK
func parseAddOnionReply(reply ctrlconn.Reply) (*Service, error) {
	svc := &Service{}
	for _, line := range reply.Lines {
		switch {
		case strings.HasPrefix(line, "ServiceID="):
			svc.Address = strings.TrimPrefix(line, "ServiceID=")
		case strings.HasPrefix(line, "PrivateKey="):
			svc.PrivateKey = strings.TrimPrefix(line, "PrivateKey=")
		}
	}
	if svc.Address == "" {
		return nil, torerrors.ProtocolError("ADD_ONION reply missing ServiceID", fmt.Errorf("lines: %v", reply.Lines))
	}
	return svc, nil
}

// DestroyHiddenService issues DEL_ONION for an address created with
// Detach set (and so not tied to a live Service value's Listener).
func (h *Helper) DestroyHiddenService(ctx context.Context, address string) error {
	_, err := h.exec.ExecCommand(ctx, ctrlconn.CtrlCommand{
		Kind: ctrlconn.CmdDelOnion,
		Keys: []string{address},
	})
	return err
}

// ParseVirtPort extracts the virtual port component of a "VIRTPORT,TARGET"
// OnionPorts entry, mirroring the format CreateHiddenService builds.
func ParseVirtPort(portMapping string) (int, error) {
	virt, _, ok := strings.Cut(portMapping, ",")
	if !ok {
		return 0, torerrors.ProtocolError("malformed onion port mapping", fmt.Errorf("mapping: %q", portMapping))
	}
	n, err := strconv.Atoi(virt)
	if err != nil {
		return 0, torerrors.ProtocolError("malformed onion virtual port", err)
	}
	return n, nil
}

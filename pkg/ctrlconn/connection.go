// Package ctrlconn implements CtrlConnection: a bidirectional transport to
// Tor's control port (TCP or Unix domain socket), a line-oriented reader
// with multi-line reply reassembly, an ordered command writer, async event
// dispatch, and the authentication state machine. Grounded primarily on the
// reply-parsing and authentication mechanics of the nao1215-tornago
// ControlClient reference implementation, generalized with the event
// dispatcher the reference lacks (adapted from the teacher's
// pkg/control/events.go EventDispatcher shape).
package ctrlconn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	torerrors "github.com/opd-ai/torsupervisor/pkg/errors"
)

// AuthState is the CtrlConnection authentication state machine: spec §4.2
// names Unauthenticated -> Authenticating -> Authenticated.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticating
	Authenticated
)

func (s AuthState) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// pending is a command waiting for its terminal reply.
type pending struct {
	replyCh chan Reply
	errCh   chan error
}

// Conn is one CtrlConnection. Construction (Dial) performs no I/O beyond
// opening the socket, per spec §4.2.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	writeMu sync.Mutex // serializes writer side, per spec §4.2/§5
	closed  bool
	closeMu sync.Mutex

	authMu    sync.Mutex
	authState AuthState

	fifoMu sync.Mutex
	fifo   []*pending

	dispatcher *EventDispatcher

	readStartedMu sync.Mutex
	readStarted   bool

	takeOwnership bool

	destroyMu    sync.Mutex
	destroyed    bool
	destroyCause error
	onDestroy    []func(error)
}

// Dial opens network ("tcp" or "unix") to addr and wraps it in a Conn.
func Dial(network, addr string) (*Conn, error) {
	nc, err := net.Dial(network, addr)
	if err != nil {
		return nil, torerrors.ConnectionLostError("dialing control port", err)
	}
	return New(nc), nil
}

// New wraps an already-open net.Conn.
func New(nc net.Conn) *Conn {
	return &Conn{
		nc:         nc,
		r:          bufio.NewReader(nc),
		dispatcher: NewEventDispatcher(),
	}
}

// AuthState returns the current authentication state.
func (c *Conn) AuthState() AuthState {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authState
}

// Subscribe registers fn to receive every async (650) reply.
func (c *Conn) Subscribe(fn EventSubscriber) int { return c.dispatcher.Subscribe(fn) }

// Unsubscribe removes a subscription registered with Subscribe.
func (c *Conn) Unsubscribe(token int) { c.dispatcher.Unsubscribe(token) }

// OnDestroy registers a callback invoked exactly once when the connection
// is destroyed (peer close, I/O error, or explicit Close).
func (c *Conn) OnDestroy(fn func(error)) {
	c.destroyMu.Lock()
	defer c.destroyMu.Unlock()
	if c.destroyed {
		cause := c.destroyCause
		c.destroyMu.Unlock()
		fn(cause)
		c.destroyMu.Lock()
		return
	}
	c.onDestroy = append(c.onDestroy, fn)
}

// StartRead launches the reader goroutine. It is idempotent-rejecting: a
// second call fails with IllegalState.
func (c *Conn) StartRead() error {
	c.readStartedMu.Lock()
	if c.readStarted {
		c.readStartedMu.Unlock()
		return torerrors.IllegalStateError("StartRead called more than once")
	}
	c.readStarted = true
	c.readStartedMu.Unlock()

	go c.readLoop()
	return nil
}

func (c *Conn) readLoop() {
	var cur replyAccumulator
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.destroy(torerrors.ConnectionLostError("control connection read failed", err))
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			continue
		}
		code, convErr := strconv.Atoi(line[:3])
		if convErr != nil {
			c.destroy(torerrors.ProtocolError("malformed status line", fmt.Errorf("line: %q", line)))
			return
		}
		sep := line[3]
		rest := line[4:]

		switch sep {
		case ' ':
			cur.lines = append(cur.lines, rest)
			reply := Reply{Code: code, Lines: cur.lines, IsAsync: code/100 == 6}
			cur = replyAccumulator{}
			c.deliver(reply)
		case '-':
			cur.lines = append(cur.lines, rest)
		case '+':
			cur.lines = append(cur.lines, rest)
			data, derr := c.readDataBlock()
			if derr != nil {
				c.destroy(torerrors.ConnectionLostError("reading data block", derr))
				return
			}
			cur.lines = append(cur.lines, data...)
		default:
			c.destroy(torerrors.ProtocolError("unrecognized reply separator", fmt.Errorf("line: %q", line)))
			return
		}
	}
}

func (c *Conn) readDataBlock() ([]string, error) {
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func (c *Conn) deliver(reply Reply) {
	if reply.IsAsync {
		c.dispatcher.Dispatch(reply)
		return
	}
	c.fifoMu.Lock()
	if len(c.fifo) == 0 {
		c.fifoMu.Unlock()
		return
	}
	p := c.fifo[0]
	c.fifo = c.fifo[1:]
	c.fifoMu.Unlock()
	p.replyCh <- reply
}

// Write sends raw bytes; it is atomic with respect to other Write calls.
// Empty writes are no-ops. Returns ConnectionLost once Close has completed.
func (c *Conn) Write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return torerrors.ConnectionLostError("write after close", nil)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(b); err != nil {
		go c.destroy(torerrors.ConnectionLostError("control connection write failed", err))
		return torerrors.ConnectionLostError("control connection write failed", err)
	}
	return nil
}

// Exec writes cmd and waits for its terminal reply, honoring ctx
// cancellation. Privileged commands (AUTHENTICATE, PROTOCOLINFO) may be
// issued while Unauthenticated; all others require Authenticated.
func (c *Conn) Exec(ctx context.Context, cmd CtrlCommand) (Reply, error) {
	if !cmd.Privileged() && c.AuthState() != Authenticated {
		return Reply{}, torerrors.IllegalStateError("command requires an authenticated connection")
	}

	p := &pending{replyCh: make(chan Reply, 1), errCh: make(chan error, 1)}
	c.fifoMu.Lock()
	c.fifo = append(c.fifo, p)
	c.fifoMu.Unlock()

	if err := c.Write([]byte(cmd.Encode() + "\r\n")); err != nil {
		c.removeFromFifo(p)
		return Reply{}, err
	}

	select {
	case reply := <-p.replyCh:
		if reply.Code >= 500 {
			return reply, torerrors.ProtocolError(strings.Join(reply.Lines, "; "), nil)
		}
		return reply, nil
	case err := <-p.errCh:
		return Reply{}, err
	case <-ctx.Done():
		c.removeFromFifo(p)
		return Reply{}, torerrors.CancelledError("command cancelled: " + ctx.Err().Error())
	}
}

func (c *Conn) removeFromFifo(target *pending) {
	c.fifoMu.Lock()
	defer c.fifoMu.Unlock()
	for i, p := range c.fifo {
		if p == target {
			c.fifo = append(c.fifo[:i], c.fifo[i+1:]...)
			return
		}
	}
}

// Authenticate issues AUTHENTICATE with the given credential (cookieHex XOR
// password XOR neither for NULL auth) and advances the auth state machine.
// On 515/514 the connection stays Unauthenticated, per spec §4.2.
func (c *Conn) Authenticate(ctx context.Context, cookieHex, password string) error {
	c.authMu.Lock()
	c.authState = Authenticating
	c.authMu.Unlock()

	_, err := c.Exec(ctx, CtrlCommand{Kind: CmdAuthenticate, CookieHex: cookieHex, Password: password})
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if err != nil {
		c.authState = Unauthenticated
		return torerrors.AuthError("AUTHENTICATE refused", err)
	}
	c.authState = Authenticated
	return nil
}

// TakeOwnership issues TAKEOWNERSHIP; subsequent Close also instructs Tor
// to exit, per spec §4.2.
func (c *Conn) TakeOwnership(ctx context.Context) error {
	_, err := c.Exec(ctx, CtrlCommand{Kind: CmdOwnership, Ownership: OwnershipTake})
	if err != nil {
		return err
	}
	c.takeOwnership = true
	return nil
}

// Close transitions to Closed exactly once: half-closes the socket, closes
// the descriptor, and wakes the reader.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	if tc, ok := c.nc.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	err := c.nc.Close()
	c.destroy(torerrors.ConnectionLostError("connection closed", nil))
	return err
}

// destroy marks the connection destroyed, fails every in-flight command
// with ConnectionLost, and invokes on-destroy callbacks exactly once.
func (c *Conn) destroy(cause error) {
	c.destroyMu.Lock()
	if c.destroyed {
		c.destroyMu.Unlock()
		return
	}
	c.destroyed = true
	c.destroyCause = cause
	callbacks := c.onDestroy
	c.destroyMu.Unlock()

	c.fifoMu.Lock()
	pendingCmds := c.fifo
	c.fifo = nil
	c.fifoMu.Unlock()
	for _, p := range pendingCmds {
		p.errCh <- cause
	}

	c.closeMu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.closeMu.Unlock()
	if !wasClosed {
		_ = c.nc.Close()
	}

	for _, fn := range callbacks {
		fn(cause)
	}
}

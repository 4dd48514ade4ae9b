package ctrlconn

import (
	"fmt"
	"strings"
)

// CommandKind tags the closed set of CtrlCommand variants spec §3 names.
type CommandKind int

const (
	CmdAuthenticate CommandKind = iota
	CmdSetEvents
	CmdSignal
	CmdGetInfo
	CmdGetConf
	CmdSetConf
	CmdResetConf
	CmdLoadConf
	CmdOwnership
	CmdHsFetch
	CmdOnionClientAuth
	CmdProtocolInfo
	CmdAddOnion
	CmdDelOnion
	CmdUnknown
)

// SignalKind enumerates the SIGNAL targets the runtime issues.
type SignalKind string

const (
	SignalNewNym   SignalKind = "NEWNYM"
	SignalHalt     SignalKind = "HALT"
	SignalShutdown SignalKind = "SHUTDOWN"
	SignalReload   SignalKind = "RELOAD"
	SignalDump     SignalKind = "DUMP"
)

// OwnershipKind enumerates the two OWNERSHIP directions.
type OwnershipKind string

const (
	OwnershipTake OwnershipKind = "TAKEOWNERSHIP"
	OwnershipDrop OwnershipKind = "DROPOWNERSHIP"
)

// CtrlCommand is a tagged variant covering one control-port request. Each
// variant declares whether it is Privileged: usable pre-authentication
// (AUTHENTICATE, PROTOCOLINFO). All other variants are not Privileged.
type CtrlCommand struct {
	Kind CommandKind

	// Authenticate
	CookieHex string
	Password  string

	// SetEvents
	Events []string

	// Signal
	Signal SignalKind

	// GetInfo / HsFetch / OnionClientAuth / Unknown passthrough
	Keys []string

	// GetConf / SetConf / ResetConf
	Settings map[string]string

	// LoadConf
	Text string

	// Ownership
	Ownership OwnershipKind

	// AddOnion
	OnionKey   string
	OnionFlags []string
	OnionPorts []string

	// Unknown passthrough
	Raw string
}

// Privileged reports whether cmd may be written before authentication
// completes. Only PROTOCOLINFO and AUTHENTICATE qualify, per spec §4.2:
// "Authenticate must be the first non-PROTOCOLINFO command."
func (c CtrlCommand) Privileged() bool {
	return c.Kind == CmdProtocolInfo || c.Kind == CmdAuthenticate
}

// Encode renders cmd as the wire bytes to write (without the trailing
// CRLF, which Conn.Exec appends).
func (c CtrlCommand) Encode() string {
	switch c.Kind {
	case CmdProtocolInfo:
		return "PROTOCOLINFO 1"
	case CmdAuthenticate:
		switch {
		case c.CookieHex != "":
			return "AUTHENTICATE " + c.CookieHex
		case c.Password != "":
			return "AUTHENTICATE " + quotedString(c.Password)
		default:
			return "AUTHENTICATE"
		}
	case CmdSetEvents:
		return "SETEVENTS " + strings.Join(c.Events, " ")
	case CmdSignal:
		return "SIGNAL " + string(c.Signal)
	case CmdGetInfo:
		return "GETINFO " + strings.Join(c.Keys, " ")
	case CmdGetConf:
		return "GETCONF " + strings.Join(c.Keys, " ")
	case CmdSetConf:
		return "SETCONF " + encodeSettings(c.Settings)
	case CmdResetConf:
		return "RESETCONF " + strings.Join(c.Keys, " ")
	case CmdLoadConf:
		return "+LOADCONF\r\n" + c.Text + "\r\n."
	case CmdOwnership:
		return string(c.Ownership)
	case CmdHsFetch:
		return "HSFETCH " + strings.Join(c.Keys, " ")
	case CmdOnionClientAuth:
		return "ONION_CLIENT_AUTH_ADD " + strings.Join(c.Keys, " ")
	case CmdAddOnion:
		return "ADD_ONION " + encodeAddOnion(c)
	case CmdDelOnion:
		return "DEL_ONION " + strings.Join(c.Keys, " ")
	default:
		return c.Raw
	}
}

// encodeAddOnion renders the ADD_ONION argument list: key, then any flags
// as a single "Flags=A,B" token, then one "Port=" token per OnionPorts
// entry, per control-spec.txt section 3.27.
func encodeAddOnion(c CtrlCommand) string {
	parts := []string{c.OnionKey}
	if len(c.OnionFlags) > 0 {
		parts = append(parts, "Flags="+strings.Join(c.OnionFlags, ","))
	}
	for _, p := range c.OnionPorts {
		parts = append(parts, "Port="+p)
	}
	return strings.Join(parts, " ")
}

func encodeSettings(settings map[string]string) string {
	parts := make([]string, 0, len(settings))
	for k, v := range settings {
		if v == "" {
			parts = append(parts, k)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, quotedString(v)))
	}
	return strings.Join(parts, " ")
}

func quotedString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

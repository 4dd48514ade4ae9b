package torcfg

// Attribute tags the structural kind of a Setting's payload, used by the
// serializer's ordering rule and by ConfigGenerator's port-reassignment
// pass.
type Attribute int

const (
	AttrNone Attribute = iota
	AttrDirectory
	AttrFile
	AttrPort
	AttrHiddenService
	AttrUnixSocket
)

// Setting is a single named, typed configuration entry. Mutation goes
// through Set/SetDefault and is a no-op once SetImmutable has been called by
// a Builder.Build — mirroring the spec's "is_mutable becomes false once
// committed to a Config snapshot".
type Setting struct {
	Keyword         string
	Value           OptionValue
	Default         OptionValue
	IsDefault       bool
	isMutable       bool
	IsStartArgument bool
	Attribute       Attribute
	Flags           []string
	IsolationFlags  []IsolationFlag

	// Reassignable marks a Port-attribute Setting as eligible for the
	// ConfigGenerator's "reassign unavailable port to auto" step.
	Reassignable bool
}

// NewSetting constructs a Setting at its default value, mutable.
func NewSetting(keyword string, def OptionValue, isStartArgument bool, attr Attribute) *Setting {
	return &Setting{
		Keyword:         keyword,
		Value:           def,
		Default:         def,
		IsDefault:       true,
		isMutable:       true,
		IsStartArgument: isStartArgument,
		Attribute:       attr,
	}
}

// Set assigns v if the Setting is still mutable; a no-op otherwise.
func (s *Setting) Set(v OptionValue) {
	if !s.isMutable {
		return
	}
	s.Value = v
	s.IsDefault = false
}

// SetDefault resets to the Setting's default value.
func (s *Setting) SetDefault() {
	if !s.isMutable {
		return
	}
	s.Value = s.Default
	s.IsDefault = true
}

// SetImmutable latches the Setting so further Set/SetDefault calls are
// no-ops; called by Builder.Build when committing a Config snapshot.
func (s *Setting) SetImmutable() { s.isMutable = false }

// IsMutable reports whether Set/SetDefault still have effect.
func (s *Setting) IsMutable() bool { return s.isMutable }

// Clone returns a fresh, mutable copy independent of the receiver.
func (s *Setting) Clone() *Setting {
	cp := *s
	cp.isMutable = true
	cp.Flags = append([]string(nil), s.Flags...)
	cp.IsolationFlags = append([]IsolationFlag(nil), s.IsolationFlags...)
	return &cp
}

// Equal implements the keyword-based equality rule of spec §3, special-cased
// for Ports (equal iff concrete port values match) and HiddenService (equal
// by directory path).
func (s *Setting) Equal(other *Setting) bool {
	if other == nil {
		return false
	}
	if s.Attribute == AttrPort && other.Attribute == AttrPort {
		sp, sok := s.Value.(AorDorPort)
		op, ook := other.Value.(AorDorPort)
		if sok && ook && sp.IsValue() && op.IsValue() {
			return sp.Port() == op.Port()
		}
	}
	if s.Attribute == AttrHiddenService && other.Attribute == AttrHiddenService {
		sd, sok := s.Value.(FileSystemDir)
		od, ook := other.Value.(FileSystemDir)
		if sok && ook {
			return sd == od
		}
	}
	return s.Keyword == other.Keyword
}

package torcfg

// Builder accumulates Settings and HiddenServices before being committed
// into an immutable Config snapshot. It has no path back to a snapshot's
// internals once built, per the re-architecture guidance replacing a
// mutable-then-frozen type with a distinct builder.
type Builder struct {
	settings       []*Setting
	hiddenServices []*HiddenService
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends a Setting. Settings sharing a keyword are permitted (e.g.
// multiple Ports-attribute entries for the same keyword) and are kept
// together at serialization time.
func (b *Builder) Add(s *Setting) *Builder {
	b.settings = append(b.settings, s)
	return b
}

// AddHiddenService appends a HiddenService.
func (b *Builder) AddHiddenService(hs *HiddenService) *Builder {
	b.hiddenServices = append(b.hiddenServices, hs)
	return b
}

// Find returns the first Setting with the given keyword, or nil.
func (b *Builder) Find(keyword string) *Setting {
	for _, s := range b.settings {
		if s.Keyword == keyword {
			return s
		}
	}
	return nil
}

// All returns the Settings currently held by the Builder, in the order they
// were added.
func (b *Builder) All() []*Setting {
	return append([]*Setting(nil), b.settings...)
}

// HiddenServices returns the HiddenServices currently held by the Builder.
func (b *Builder) HiddenServices() []*HiddenService {
	return append([]*HiddenService(nil), b.hiddenServices...)
}

// Build commits the accumulated Settings into an immutable Config: every
// Setting is latched immutable and the canonical text is produced by the
// serializer (§4.1).
func (b *Builder) Build() *Config {
	for _, s := range b.settings {
		s.SetImmutable()
	}
	settings := append([]*Setting(nil), b.settings...)
	hiddenServices := append([]*HiddenService(nil), b.hiddenServices...)
	return &Config{
		Settings:       settings,
		HiddenServices: hiddenServices,
		Text:           Serialize(settings, hiddenServices),
	}
}

// Config is an immutable configuration snapshot. Equality is defined by
// Text, per spec §3.
type Config struct {
	Settings       []*Setting
	HiddenServices []*HiddenService
	Text           string
}

// Equal reports whether two Configs serialize identically.
func (c *Config) Equal(other *Config) bool {
	if other == nil {
		return false
	}
	return c.Text == other.Text
}

// Find returns the first committed Setting with the given keyword, or nil.
func (c *Config) Find(keyword string) *Setting {
	for _, s := range c.Settings {
		if s.Keyword == keyword {
			return s
		}
	}
	return nil
}

// StartArguments returns the "--<keyword> <value>" pairs for every Setting
// marked as a start-time argument, flattened for exec.Cmd's argv, in the
// order the Settings were committed.
func (c *Config) StartArguments() []string {
	var args []string
	for _, s := range c.Settings {
		if !s.IsStartArgument {
			continue
		}
		if absent, ok := isAbsentValue(s.Value); ok && absent {
			continue
		}
		args = append(args, "--"+s.Keyword, s.Value.Serialize())
	}
	return args
}

package torcfg

import (
	"fmt"
	"sort"
	"strings"
)

// absentValue is implemented by OptionValue variants that collapse to
// "absent" (omitted entirely) when empty: FileSystemFile, FileSystemDir,
// FieldId.
type absentValue interface {
	IsAbsent() bool
}

func isAbsentValue(v OptionValue) (absent, ok bool) {
	a, isAbsentable := v.(absentValue)
	if !isAbsentable {
		return false, false
	}
	return a.IsAbsent(), true
}

// group collects every Setting sharing one keyword, in the order they were
// added to the Builder.
type group struct {
	keyword string
	class   int // 0 = Ports, 1 = UnixSockets, 2 = everything else
	items   []*Setting
}

// Serialize renders settings and hiddenServices into torrc-compatible text
// following spec §4.1's five ordering/emission rules.
func Serialize(settings []*Setting, hiddenServices []*HiddenService) string {
	groups := map[string]*group{}
	var order []string
	for _, s := range settings {
		g, ok := groups[s.Keyword]
		if !ok {
			class := 2
			switch s.Attribute {
			case AttrPort:
				class = 0
			case AttrUnixSocket:
				class = 1
			}
			g = &group{keyword: s.Keyword, class: class}
			groups[s.Keyword] = g
			order = append(order, s.Keyword)
		}
		g.items = append(g.items, s)
	}

	sort.SliceStable(order, func(i, j int) bool {
		gi, gj := groups[order[i]], groups[order[j]]
		if gi.class != gj.class {
			return gi.class < gj.class
		}
		return gi.keyword < gj.keyword
	})

	var b strings.Builder
	for _, kw := range order {
		writeGroup(&b, groups[kw])
	}

	for i, hs := range hiddenServices {
		if !hs.Emit() {
			continue
		}
		writeHiddenService(&b, hs, i > 0 && hiddenServices[i-1].Emit())
	}

	return b.String()
}

// writeGroup applies rule 2 (Ports-with-Disable collapsing) and rule 3
// (everything else) of spec §4.1.
func writeGroup(b *strings.Builder, g *group) {
	if g.class == 0 {
		hasDisable := false
		for _, s := range g.items {
			if v, ok := s.Value.(AorDorPort); ok && v.IsDisable() {
				hasDisable = true
				break
			}
		}
		if hasDisable {
			fmt.Fprintf(b, "%s 0\n", g.keyword)
			return
		}
	}
	for _, s := range g.items {
		writeLine(b, s)
	}
}

func writeLine(b *strings.Builder, s *Setting) {
	if absent, ok := isAbsentValue(s.Value); ok && absent {
		return
	}
	parts := make([]string, 0, 2+len(s.Flags)+len(s.IsolationFlags))
	parts = append(parts, s.Keyword, s.Value.Serialize())
	parts = append(parts, s.Flags...)
	for _, f := range s.IsolationFlags {
		parts = append(parts, f.String())
	}
	fmt.Fprintf(b, "%s\n", strings.Join(parts, " "))
}

// writeHiddenService applies rule 4 of spec §4.1.
func writeHiddenService(b *strings.Builder, hs *HiddenService, precededByHiddenService bool) {
	if !precededByHiddenService {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "HiddenServiceDir %s\n", string(hs.Dir))
	for _, p := range hs.Ports {
		fmt.Fprintf(b, "HiddenServicePort %s\n", p.Serialize())
	}
	if hs.MaxStreams != nil {
		fmt.Fprintf(b, "HiddenServiceMaxStreams %d\n", *hs.MaxStreams)
	}
	// MaxStreamsCloseCircuit is written whenever MaxStreams is (defaulting
	// to false/0 if not set explicitly), or when set on its own.
	switch {
	case hs.MaxStreamsCloseCircuit != nil:
		fmt.Fprintf(b, "HiddenServiceMaxStreamsCloseCircuit %s\n", Bool(*hs.MaxStreamsCloseCircuit).Serialize())
	case hs.MaxStreams != nil:
		fmt.Fprintf(b, "HiddenServiceMaxStreamsCloseCircuit %s\n", Bool(false).Serialize())
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/torsupervisor/pkg/torcfg"
)

func writeTempFile(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoadTorrcFragmentAppliesPortAndPassthroughSettings(t *testing.T) {
	path := writeTempFile(t, "test.torrc", `
# a comment
SocksPort 9050
ControlPort auto
DataDirectory /var/lib/tor

SocksPort 9151 IsolateDestAddr IsolateDestPort
`)

	frag, err := LoadTorrcFragment(path)
	if err != nil {
		t.Fatalf("LoadTorrcFragment() error = %v", err)
	}

	b := &torcfg.Builder{}
	if err := frag(b); err != nil {
		t.Fatalf("fragment(b) error = %v", err)
	}

	// Both SocksPort lines are kept as separate Settings; check the second.
	var socks *torcfg.Setting
	for _, s := range b.All() {
		if s.Keyword == "SocksPort" {
			socks = s
		}
	}
	if socks == nil {
		t.Fatal("expected a SocksPort setting")
	}
	pv, ok := socks.Value.(torcfg.AorDorPort)
	if !ok {
		t.Fatalf("SocksPort value type = %T, want AorDorPort", socks.Value)
	}
	if !pv.IsValue() || pv.Port() != 9151 {
		t.Errorf("SocksPort = %+v, want second line's value 9151", pv)
	}
	if !socks.Reassignable {
		t.Error("SocksPort should be marked reassignable")
	}
	if len(socks.Flags) != 2 || socks.Flags[0] != "IsolateDestAddr" {
		t.Errorf("SocksPort flags = %v, want [IsolateDestAddr IsolateDestPort]", socks.Flags)
	}

	control := b.Find("ControlPort")
	if control == nil {
		t.Fatal("expected a ControlPort setting")
	}
	cv := control.Value.(torcfg.AorDorPort)
	if !cv.IsAuto() {
		t.Error("ControlPort should be auto")
	}
	if control.Reassignable {
		t.Error("ControlPort must not be reassignable (would defeat control discovery)")
	}

	dataDir := b.Find("DataDirectory")
	if dataDir == nil {
		t.Fatal("expected a DataDirectory passthrough setting")
	}
	if dataDir.Value.(torcfg.FieldId) != torcfg.FieldId("/var/lib/tor") {
		t.Errorf("DataDirectory value = %v, want /var/lib/tor", dataDir.Value)
	}
}

func TestLoadTorrcFragmentRejectsBadPort(t *testing.T) {
	path := writeTempFile(t, "bad.torrc", "SocksPort notaport\n")

	frag, err := LoadTorrcFragment(path)
	if err != nil {
		t.Fatalf("LoadTorrcFragment() error = %v", err)
	}
	if err := frag(&torcfg.Builder{}); err == nil {
		t.Error("expected an error for a non-numeric, non-auto, non-disable port value")
	}
}

func TestLoadTorrcFragmentRejectsTraversalPath(t *testing.T) {
	if _, err := LoadTorrcFragment("../../../etc/passwd"); err == nil {
		t.Error("expected a traversal path to be rejected")
	}
}

func TestLoadTorrcFragmentMissingFile(t *testing.T) {
	dir := t.TempDir()
	frag, err := LoadTorrcFragment(filepath.Join(dir, "does-not-exist.torrc"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if frag != nil {
		t.Error("expected a nil fragment on error")
	}
}

func TestLoadYAMLFragmentAppliesScalars(t *testing.T) {
	path := writeTempFile(t, "test.yaml", `
SocksPort: 9050
DisableNetwork: true
ControlPort: auto
`)

	frag, err := LoadYAMLFragment(path)
	if err != nil {
		t.Fatalf("LoadYAMLFragment() error = %v", err)
	}

	b := &torcfg.Builder{}
	if err := frag(b); err != nil {
		t.Fatalf("fragment(b) error = %v", err)
	}

	socks := b.Find("SocksPort")
	if socks == nil {
		t.Fatal("expected a SocksPort setting")
	}
	if pv := socks.Value.(torcfg.AorDorPort); !pv.IsValue() || pv.Port() != 9050 {
		t.Errorf("SocksPort = %+v, want value 9050", pv)
	}

	disable := b.Find("DisableNetwork")
	if disable == nil {
		t.Fatal("expected a DisableNetwork setting")
	}
	if disable.Value.(torcfg.FieldId) != torcfg.FieldId("1") {
		t.Errorf("DisableNetwork value = %v, want \"1\"", disable.Value)
	}
}

func TestLoadYAMLFragmentInvalidDocument(t *testing.T) {
	path := writeTempFile(t, "bad.yaml", "not: [valid: yaml: at: all")
	if _, err := LoadYAMLFragment(path); err == nil {
		t.Error("expected an error for malformed yaml")
	}
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"torrc", false},
		{"./config/torrc", false},
		{"../secret/torrc", true},
		{"a/../../b", true},
	}
	for _, tt := range tests {
		err := validatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("validatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

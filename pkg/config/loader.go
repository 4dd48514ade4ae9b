// Package config loads torrc-style and YAML fragment files into
// pkg/torcfg.Fragment callbacks, so ConfigGenerator can merge
// user-supplied configuration with its own defaults (SPEC_FULL.md §2a).
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opd-ai/torsupervisor/pkg/torcfg"
	"gopkg.in/yaml.v3"
)

// reassignablePorts is the set of keywords ConfigGenerator's port-probe
// step is allowed to fall back to "auto" for, per spec §4.3 step 5. Control
// and relay ports are deliberately excluded: reassigning ControlPort would
// defeat ProcessSupervisor's control-port discovery.
var reassignablePorts = map[string]bool{
	"SocksPort":      true,
	"DNSPort":        true,
	"HTTPTunnelPort": true,
	"TransPort":      true,
	"NATDPort":       true,
}

var portKeywords = map[string]bool{
	"SocksPort": true, "ControlPort": true, "ORPort": true, "DirPort": true,
	"DNSPort": true, "HTTPTunnelPort": true, "TransPort": true, "NATDPort": true,
}

// LoadTorrcFragment reads a torrc-compatible file at path and returns a
// torcfg.Fragment that applies each line's keyword/value (plus any trailing
// flags) to a Builder. Lines starting with # and blank lines are ignored.
func LoadTorrcFragment(path string) (torcfg.Fragment, error) {
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("path validation failed: %w", err)
	}
	lines, err := readNonCommentLines(path)
	if err != nil {
		return nil, err
	}
	return func(b *torcfg.Builder) error {
		for i, line := range lines {
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			keyword := fields[0]
			value := ""
			flags := fields[1:]
			if len(flags) > 0 {
				value = flags[0]
				flags = flags[1:]
			}
			if err := applyKeyValue(b, keyword, value, flags); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
		}
		return nil
	}, nil
}

// LoadYAMLFragment reads a YAML document at path (a flat map of
// keyword -> scalar value, keywords matching torrc keyword names) and
// returns the equivalent torcfg.Fragment. Grounded on the pack's YAML
// config conventions (apimgr-vidveil, casjay-forks-caspaste).
func LoadYAMLFragment(path string) (torcfg.Fragment, error) {
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("path validation failed: %w", err)
	}
	raw, err := os.ReadFile(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return nil, fmt.Errorf("failed to read yaml config file: %w", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse yaml config file: %w", err)
	}
	return func(b *torcfg.Builder) error {
		for keyword, v := range doc {
			value, flags := scalarToArg(v)
			if err := applyKeyValue(b, keyword, value, flags); err != nil {
				return fmt.Errorf("key %q: %w", keyword, err)
			}
		}
		return nil
	}, nil
}

func scalarToArg(v interface{}) (string, []string) {
	switch t := v.(type) {
	case []interface{}:
		var parts []string
		for _, e := range t {
			s, _ := scalarToArg(e)
			parts = append(parts, s)
		}
		if len(parts) == 0 {
			return "", nil
		}
		return parts[0], parts[1:]
	case bool:
		if t {
			return "1", nil
		}
		return "0", nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

// applyKeyValue adds a Setting for keyword/value/flags to b. Recognized
// Port keywords get a typed AorDorPort value and AttrPort attribute;
// everything else is kept as a raw passthrough FieldId value, so unknown
// torrc keywords survive round-trip serialization without the loader
// needing to model every keyword Tor supports.
func applyKeyValue(b *torcfg.Builder, keyword, value string, flags []string) error {
	if portKeywords[keyword] {
		pv, err := parsePortArg(value)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", keyword, value, err)
		}
		s := torcfg.NewSetting(keyword, pv, true, torcfg.AttrPort)
		s.Flags = flags
		s.Reassignable = reassignablePorts[keyword]
		s.Set(pv)
		b.Add(s)
		return nil
	}

	s := torcfg.NewSetting(keyword, torcfg.FieldId(""), false, torcfg.AttrNone)
	s.Flags = flags
	s.Set(torcfg.FieldId(value))
	b.Add(s)
	return nil
}

func parsePortArg(value string) (torcfg.AorDorPort, error) {
	switch value {
	case "auto":
		return torcfg.AutoPort(), nil
	case "0", "disable", "Disable":
		return torcfg.DisablePort(), nil
	default:
		n, err := strconv.Atoi(value)
		if err != nil {
			return torcfg.AorDorPort{}, fmt.Errorf("expected auto, 0, or an integer port: %w", err)
		}
		port, err := torcfg.NewPort(n)
		if err != nil {
			return torcfg.AorDorPort{}, err
		}
		return torcfg.ValuePort(int(port)), nil
	}
}

func readNonCommentLines(path string) ([]string, error) {
	file, err := os.Open(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return lines, nil
}

// validatePath guards against directory traversal in user-supplied
// fragment file paths.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid path: directory traversal detected")
	}
	if !filepath.IsAbs(path) && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("invalid path: attempts to escape working directory")
	}
	return nil
}

// Command tor-config-validator loads a torrc or YAML configuration
// fragment, applies it to a fresh torcfg.Builder, and reports whether it
// parses cleanly. With -generate it instead prints the embedded default
// torrc, for use as a starting point.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opd-ai/torsupervisor/pkg/config"
	"github.com/opd-ai/torsupervisor/pkg/resources"
	"github.com/opd-ai/torsupervisor/pkg/torcfg"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to a torrc or .yaml/.yml fragment to validate")
	generate := flag.Bool("generate", false, "Print the embedded default torrc to stdout")
	outputFile := flag.String("output", "", "Output file for -generate (default: stdout)")
	verbose := flag.Bool("verbose", false, "Print the resulting serialized configuration")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tor-config-validator version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *generate {
		if err := generateDefaultTorrc(*outputFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating default torrc: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *configFile != "" {
		if err := validateConfigFile(*configFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	printUsage()
	os.Exit(1)
}

func printUsage() {
	fmt.Println("tor-config-validator - fragment validation for torsupervisor")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tor-config-validator -config <file> [-verbose]")
	fmt.Println("  tor-config-validator -generate [-output <file>]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <file>   Validate a torrc or .yaml/.yml fragment")
	fmt.Println("  -verbose         Print the resulting serialized configuration")
	fmt.Println("  -generate        Print the embedded default torrc")
	fmt.Println("  -output <file>   Output file for -generate (default: stdout)")
	fmt.Println("  -version         Show version information")
}

// validateConfigFile loads path as a torrc or YAML fragment (chosen by
// extension), applies it to a fresh Builder, and reports the first error
// the loader or the Fragment application surfaces.
func validateConfigFile(path string, verbose bool) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("configuration file does not exist: %s", path)
	}

	frag, err := loadFragment(path)
	if err != nil {
		return err
	}

	b := torcfg.NewBuilder()
	if err := frag(b); err != nil {
		return fmt.Errorf("applying %s: %w", path, err)
	}

	cfg := b.Build()
	if verbose {
		fmt.Println("resulting configuration:")
		fmt.Println(cfg.Text)
	}
	return nil
}

// loadFragment dispatches to config.LoadYAMLFragment for .yaml/.yml paths
// and config.LoadTorrcFragment otherwise.
func loadFragment(path string) (torcfg.Fragment, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadYAMLFragment(path)
	default:
		return config.LoadTorrcFragment(path)
	}
}

func generateDefaultTorrc(outputPath string) error {
	content, err := resources.GetDefaultTorrc()
	if err != nil {
		return fmt.Errorf("reading embedded default torrc: %w", err)
	}

	if outputPath == "" {
		fmt.Print(content)
		return nil
	}

	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
	}
	if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	fmt.Printf("default torrc written to: %s\n", outputPath)
	return nil
}

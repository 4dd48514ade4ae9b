package torcfg

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	torerrors "github.com/opd-ai/torsupervisor/pkg/errors"
	"github.com/opd-ai/torsupervisor/pkg/logger"
)

// Environment identifies a runtime instance by its work and cache
// directories; ProcessSupervisor and Runtime key their process-wide state by
// Environment.Fid.
type Environment struct {
	WorkDir  string
	CacheDir string
	Fid      string
}

// ResourcePaths are the filesystem paths an external ResourceInstaller
// resolved or extracted (Tor binary, GeoIP databases). Resource extraction
// itself is out of scope (spec §1 non-goal); this package only consumes the
// returned paths.
type ResourcePaths struct {
	TorBinary  string
	GeoIPFile  string
	GeoIPv6    string
}

// ResourceInstaller is the external collaborator responsible for making the
// Tor binary and GeoIP databases available on disk. Implemented outside
// this package (spec §1: "resource installation ... external collaborator").
type ResourceInstaller interface {
	Install(ctx context.Context, env Environment) (ResourcePaths, error)
}

// PortProbe reports whether bind/listen on host:port would succeed. Per
// spec §4.3 contract: must time out within 15ms and return false (not an
// error) for EADDRINUSE; other errors surface to the caller.
type PortProbe func(host string, port int) (bool, error)

// DefaultPortProbe dials nothing; it attempts to bind a TCP listener and
// immediately closes it, matching the teacher's pkg/autoconfig isPortAvailable
// approach but with the 15ms bound spec requires.
func DefaultPortProbe(host string, port int) (bool, error) {
	lc := net.ListenConfig{}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	addr := net.JoinHostPort(host, portString(port))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	ln.Close()
	return true, nil
}

// Fragment is a user-supplied configuration callback, applied to a fresh
// Builder in registration order (spec §4.3 step 3). Loaded from torrc or
// YAML files by pkg/config, or supplied programmatically.
type Fragment func(*Builder) error

// GenerateOptions tunes the generator per spec §4.3's inputs: whether to
// omit GeoIP settings, and whether port reassignment is permitted at all.
type GenerateOptions struct {
	OmitGeoIP        bool
	AllowReassign    bool
	LocalHostIPv4    string // defaults to 127.0.0.1
	LocalHostIPv6    string // defaults to ::1
}

// Generate runs the ConfigGenerator algorithm of spec §4.3: install
// resources, refresh the localhost cache, apply fragments, apply defaults,
// then probe and reassign ports.
func Generate(ctx context.Context, env Environment, fragments []Fragment, installer ResourceInstaller, probe PortProbe, opts GenerateOptions, log *logger.Logger) (*Config, ResourcePaths, error) {
	paths, err := installer.Install(ctx, env)
	if err != nil {
		return nil, ResourcePaths{}, torerrors.ResourceInstallError("installing tor resources", err)
	}

	refreshLocalhostCache(log) // failures are swallowed per spec §4.3 step 2

	b := NewBuilder()
	for _, frag := range fragments {
		if err := frag(b); err != nil {
			return nil, ResourcePaths{}, torerrors.ConfigError("applying configuration fragment", err)
		}
	}

	applyDefaults(b, env, paths, opts)

	if opts.AllowReassign {
		if err := reassignPorts(b, probe, opts, log); err != nil {
			return nil, ResourcePaths{}, err
		}
	}

	return b.Build(), paths, nil
}

func applyDefaults(b *Builder, env Environment, paths ResourcePaths, opts GenerateOptions) {
	setIfAbsent(b, "DataDirectory", func() *Setting {
		return NewSetting("DataDirectory", FileSystemDir(filepath.Join(env.WorkDir, "data")), false, AttrDirectory)
	})
	setIfAbsent(b, "CacheDirectory", func() *Setting {
		return NewSetting("CacheDirectory", FileSystemDir(filepath.Join(env.CacheDir)), false, AttrDirectory)
	})
	setIfAbsent(b, "ControlPortWriteToFile", func() *Setting {
		return NewSetting("ControlPortWriteToFile", FileSystemFile(filepath.Join(env.WorkDir, "control.txt")), false, AttrFile)
	})

	if !opts.OmitGeoIP {
		setIfAbsent(b, "GeoIPFile", func() *Setting {
			return NewSetting("GeoIPFile", FileSystemFile(paths.GeoIPFile), false, AttrFile)
		})
		setIfAbsent(b, "GeoIPv6File", func() *Setting {
			return NewSetting("GeoIPv6File", FileSystemFile(paths.GeoIPv6), false, AttrFile)
		})
	}

	if b.Find("CookieAuthentication") == nil && b.Find("HashedControlPassword") == nil {
		b.Add(NewSetting("CookieAuthentication", Bool(true), false, AttrNone))
		setIfAbsent(b, "CookieAuthFile", func() *Setting {
			return NewSetting("CookieAuthFile", FileSystemFile(filepath.Join(env.WorkDir, "control_auth_cookie")), false, AttrFile)
		})
	}

	if b.Find("__SocksPort") == nil {
		s := NewSetting("__SocksPort", ValuePort(9050), true, AttrPort)
		s.Reassignable = true
		b.Add(s)
	}
	if b.Find("__ControlPort") == nil {
		s := NewSetting("__ControlPort", UnixSocketPath(filepath.Join(env.WorkDir, "control.sock")), true, AttrUnixSocket)
		b.Add(s)
	}
	setIfAbsent(b, "DisableNetwork", func() *Setting {
		return NewSetting("DisableNetwork", Bool(true), false, AttrNone)
	})
	setIfAbsent(b, "RunAsDaemon", func() *Setting {
		return NewSetting("RunAsDaemon", Bool(false), true, AttrNone)
	})
	setIfAbsent(b, "__OwningControllerProcess", func() *Setting {
		return NewSetting("__OwningControllerProcess", ProcessId(0), true, AttrNone)
	})
	setIfAbsent(b, "DormantCanceledByStartup", func() *Setting {
		return NewSetting("DormantCanceledByStartup", Bool(true), false, AttrNone)
	})
}

func setIfAbsent(b *Builder, keyword string, make func() *Setting) {
	if b.Find(keyword) == nil {
		b.Add(make())
	}
}

// reassignPorts implements spec §4.3 step 5: for every reassignable Port
// setting with a concrete value, probe availability and fall back to auto.
func reassignPorts(b *Builder, probe PortProbe, opts GenerateOptions, log *logger.Logger) error {
	host := opts.LocalHostIPv4
	if host == "" {
		host = "127.0.0.1"
	}
	for _, s := range b.settings {
		if s.Attribute != AttrPort || !s.Reassignable {
			continue
		}
		v, ok := s.Value.(AorDorPort)
		if !ok || !v.IsValue() {
			continue
		}
		available, err := probe(host, v.Port())
		if err != nil {
			return torerrors.ConfigError("probing port availability", err)
		}
		if !available {
			if log != nil {
				log.Warn(fmt.Sprintf("UNAVAILABLE_PORT[%s] %d reassigned to 'auto'", s.Keyword, v.Port()))
			}
			s.Set(AutoPort())
		}
	}
	return nil
}

func refreshLocalhostCache(log *logger.Logger) {
	if _, err := net.LookupHost("localhost"); err != nil && log != nil {
		log.Debug("localhost cache refresh failed, continuing with defaults", "error", err)
	}
}

// Package target resolves a host description and codegen flags into the
// fixed configuration every later stage works against.
package target

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"objforge/internal/cgerr"
	"objforge/internal/ir"
)

// Arch is a CPU architecture with a backend.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchAArch64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchAArch64:
		return "aarch64"
	default:
		return "unknown"
	}
}

// OS is an operating system whose native object format is supported.
type OS uint8

const (
	OSUnknown OS = iota
	OSLinux
	OSFreeBSD
	OSNetBSD
	OSOpenBSD
)

func (o OS) String() string {
	switch o {
	case OSLinux:
		return "linux"
	case OSFreeBSD:
		return "freebsd"
	case OSNetBSD:
		return "netbsd"
	case OSOpenBSD:
		return "openbsd"
	default:
		return "unknown"
	}
}

// ObjectFormat is the relocatable object container.
type ObjectFormat uint8

const (
	FormatELF ObjectFormat = iota + 1
)

func (f ObjectFormat) String() string {
	if f == FormatELF {
		return "elf"
	}
	return "unknown"
}

// HostInfo names a machine by architecture and operating system, in either
// Go (amd64, arm64) or triple (x86_64, aarch64) spelling.
type HostInfo struct {
	Arch string
	OS   string
}

// Host describes the machine running this process.
func Host() HostInfo {
	return HostInfo{Arch: runtime.GOARCH, OS: runtime.GOOS}
}

// ParseTriple splits a target triple such as "x86_64-linux-gnu" or
// "aarch64-unknown-linux-gnu" into a HostInfo.
func ParseTriple(triple string) (HostInfo, error) {
	parts := strings.Split(strings.TrimSpace(triple), "-")
	if len(parts) < 2 || parts[0] == "" {
		return HostInfo{}, cgerr.New(cgerr.KindUnsupportedHost, "malformed target triple %q", triple)
	}
	for _, p := range parts[1:] {
		if parseOS(p) != OSUnknown {
			return HostInfo{Arch: parts[0], OS: p}, nil
		}
	}
	return HostInfo{Arch: parts[0], OS: parts[1]}, nil
}

func (h HostInfo) String() string {
	return h.Arch + "-" + h.OS
}

// Config is the resolved, immutable target configuration.
type Config struct {
	Triple          string
	Arch            Arch
	OS              OS
	Format          ObjectFormat
	PointerWidth    int // bytes
	PointerAlign    int // bytes
	DefaultCallConv ir.CallConv
	Flags           Flags
}

// PointerType returns the IR type of a pointer-sized value.
func (c Config) PointerType() ir.Type {
	t, err := ir.IntType(c.PointerWidth * 8)
	if err != nil {
		return ir.InvalidType
	}
	return t
}

// PointerBits returns the pointer width in bits.
func (c Config) PointerBits() int {
	return c.PointerWidth * 8
}

// Resolve builds the Config for host with flag overrides applied.
// It fails with cgerr.ErrUnsupportedHost when no backend or object
// format exists for host, or when an override is unknown or malformed.
func Resolve(host HostInfo, overrides map[string]string) (Config, error) {
	arch := parseArch(host.Arch)
	if arch == ArchUnknown {
		return Config{}, cgerr.Symbolf(cgerr.KindUnsupportedHost, host.String(), "no backend for architecture %q", host.Arch)
	}
	osKind := parseOS(host.OS)
	if osKind == OSUnknown {
		return Config{}, cgerr.Symbolf(cgerr.KindUnsupportedHost, host.String(), "no object format for operating system %q", host.OS)
	}

	canon, err := CanonicalOverrides(overrides)
	if err != nil {
		return Config{}, cgerr.Wrap(cgerr.KindUnsupportedHost, host.String(), err)
	}
	flags := DefaultFlags()
	keys := make([]string, 0, len(canon))
	for k := range canon {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flags, err = flags.Set(k, canon[k])
		if err != nil {
			return Config{}, cgerr.Wrap(cgerr.KindUnsupportedHost, host.String(), err)
		}
	}

	cfg := Config{
		Triple:       triple(arch, osKind),
		Arch:         arch,
		OS:           osKind,
		Format:       FormatELF,
		PointerWidth: 8,
		PointerAlign: 8,
		Flags:        flags,
	}
	switch arch {
	case ArchX86_64:
		cfg.DefaultCallConv = ir.CallConvSystemV
	case ArchAArch64:
		cfg.DefaultCallConv = ir.CallConvAAPCS64
	}
	return cfg, nil
}

// ResolveTriple is Resolve for a target triple.
func ResolveTriple(triple string, overrides map[string]string) (Config, error) {
	host, err := ParseTriple(triple)
	if err != nil {
		return Config{}, err
	}
	return Resolve(host, overrides)
}

func triple(a Arch, o OS) string {
	if o == OSLinux {
		return a.String() + "-linux-gnu"
	}
	return a.String() + "-unknown-" + o.String()
}

func parseArch(s string) Arch {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_64", "amd64", "x86-64", "x64":
		return ArchX86_64
	case "aarch64", "arm64":
		return ArchAArch64
	default:
		return ArchUnknown
	}
}

func parseOS(s string) OS {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linux":
		return OSLinux
	case "freebsd":
		return OSFreeBSD
	case "netbsd":
		return OSNetBSD
	case "openbsd":
		return OSOpenBSD
	default:
		return OSUnknown
	}
}

// String renders the config compactly for logs.
func (c Config) String() string {
	return fmt.Sprintf("%s (%s, ptr=%d, cc=%s, pic=%t)", c.Triple, c.Format, c.PointerBits(), c.DefaultCallConv, c.Flags.PIC)
}

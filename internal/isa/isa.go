// Package isa selects the backend for a resolved target.
package isa

import (
	"objforge/internal/cgerr"
	"objforge/internal/isa/arm64"
	"objforge/internal/isa/x64"
	"objforge/internal/mach"
	"objforge/internal/target"
)

// Lookup returns the backend for cfg.
func Lookup(cfg target.Config) (mach.Backend, error) {
	switch cfg.Arch {
	case target.ArchX86_64:
		b, err := x64.New(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	case target.ArchAArch64:
		b, err := arm64.New(cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, cgerr.Symbolf(cgerr.KindUnsupportedHost, cfg.Triple, "no backend for %s", cfg.Arch)
	}
}

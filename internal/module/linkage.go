package module

import "fmt"

// Linkage is the resolution contract of a declared symbol.
type Linkage uint8

const (
	// Import: defined in another object; never defined here.
	Import Linkage = iota + 1
	// Local: defined here and invisible to other objects.
	Local
	// Preemptible: defined here, but another object's definition wins (weak).
	Preemptible
	// Hidden: defined here, visible to other objects of the same image only.
	Hidden
	// Export: defined here and visible to everyone.
	Export
)

func (l Linkage) String() string {
	switch l {
	case Import:
		return "import"
	case Local:
		return "local"
	case Preemptible:
		return "preemptible"
	case Hidden:
		return "hidden"
	case Export:
		return "export"
	default:
		return fmt.Sprintf("Linkage(%d)", uint8(l))
	}
}

// ParseLinkage converts a linkage name to a Linkage.
func ParseLinkage(s string) (Linkage, error) {
	for l := Import; l <= Export; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown linkage %q", s)
}

func (l Linkage) valid() bool {
	return l >= Import && l <= Export
}

// IsDefinable reports whether a symbol of this linkage takes a body here.
func (l Linkage) IsDefinable() bool {
	switch l {
	case Import:
		return false
	case Local, Preemptible, Hidden, Export:
		return true
	default:
		return false
	}
}

// IsFinal reports whether references can bind to this object's definition
// at compile time, so that code may address it PC-relative.
func (l Linkage) IsFinal() bool {
	switch l {
	case Local, Hidden, Export:
		return true
	case Import, Preemptible:
		return false
	default:
		return false
	}
}

// mergeLinkage combines the linkages of two declarations of one name.
// Local only combines with Local; otherwise the more visible one wins.
func mergeLinkage(a, b Linkage) (Linkage, bool) {
	if a == b {
		return a, true
	}
	if a == Local || b == Local {
		return 0, false
	}
	for _, l := range []Linkage{Export, Preemptible, Hidden} {
		if a == l || b == l {
			return l, true
		}
	}
	return Import, true
}

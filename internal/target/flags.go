package target

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Flags are the codegen settings a caller may override by name.
type Flags struct {
	// PIC selects position-independent code: non-local symbols are reached
	// through the GOT.
	PIC bool
	// Verifier runs the IR verifier before every function is compiled.
	Verifier bool
	// SignatureNotes records each global function's signature in a note section.
	SignatureNotes bool
}

// DefaultFlags returns the settings used when nothing is overridden.
func DefaultFlags() Flags {
	return Flags{
		PIC:            false,
		Verifier:       true,
		SignatureNotes: true,
	}
}

// FlagNames lists the accepted flag names in canonical spelling.
func FlagNames() []string {
	return []string{"is_pic", "enable_verifier", "emit_signature_notes"}
}

// CanonicalFlagName maps any accepted spelling of a flag name to the one
// FlagNames lists. Names are case-insensitive, '-' is equivalent to '_',
// and "pic" is an alias of "is_pic". ok is false for unknown names, which
// come back lower-cased.
func CanonicalFlagName(name string) (canonical string, ok bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	switch key {
	case "is_pic", "pic", "position_independent_code":
		return "is_pic", true
	case "enable_verifier", "emit_signature_notes":
		return key, true
	}
	return key, false
}

// Set returns f with the named flag set from its string value. The name
// may use any spelling CanonicalFlagName accepts.
func (f Flags) Set(name, value string) (Flags, error) {
	key, _ := CanonicalFlagName(name)
	switch key {
	case "is_pic":
		b, err := parseBool(name, value)
		if err != nil {
			return f, err
		}
		f.PIC = b
	case "enable_verifier":
		b, err := parseBool(name, value)
		if err != nil {
			return f, err
		}
		f.Verifier = b
	case "emit_signature_notes":
		b, err := parseBool(name, value)
		if err != nil {
			return f, err
		}
		f.SignatureNotes = b
	default:
		return f, fmt.Errorf("unknown flag %q (expected one of: %s)", name, strings.Join(FlagNames(), ", "))
	}
	return f, nil
}

// Map renders f as name/value pairs accepted by Set.
func (f Flags) Map() map[string]string {
	return map[string]string{
		"is_pic":               strconv.FormatBool(f.PIC),
		"enable_verifier":      strconv.FormatBool(f.Verifier),
		"emit_signature_notes": strconv.FormatBool(f.SignatureNotes),
	}
}

func parseBool(name, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("flag %q: invalid boolean %q", name, value)
	}
}

// ParseAssignments splits "name=value" strings into an override map keyed
// by canonical flag name, so a later assignment replaces an earlier one in
// any spelling. A bare "name" means "name=true".
func ParseAssignments(items []string) (map[string]string, error) {
	out := make(map[string]string, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, found := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid flag assignment %q", item)
		}
		if !found {
			value = "true"
		}
		if canon, ok := CanonicalFlagName(name); ok {
			name = canon
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

// CanonicalOverrides rekeys overrides by canonical flag name. It fails when
// two spellings of one flag carry different values, since neither can be
// said to win. Unknown names are kept for Set to report.
func CanonicalOverrides(overrides map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(overrides))
	from := make(map[string]string, len(overrides))
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := overrides[name]
		key, ok := CanonicalFlagName(name)
		if !ok {
			key = name
		}
		if prev, dup := from[key]; dup && !sameValue(out[key], value) {
			return nil, fmt.Errorf("flag %q set twice with different values (%s=%q, %s=%q)", key, prev, out[key], name, value)
		}
		out[key] = value
		from[key] = name
	}
	return out, nil
}

// sameValue reports whether two boolean spellings agree.
func sameValue(a, b string) bool {
	x, errA := parseBool("", a)
	y, errB := parseBool("", b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return x == y
}

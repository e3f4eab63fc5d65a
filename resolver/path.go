// Package resolver handles dependency readiness and parameter
// substitution. Substitution tokens of the form ${task.path} reference a
// prior task's stored result; paths are parsed once into a small IR of
// key and index segments rather than re-parsed per call. The package also
// performs the static DAG checks applied at submission and computes
// failure propagation per the workflow's error strategy.
package resolver

import (
	"strconv"

	"github.com/gleitzeit/gleitzeit/core"
)

// Segment is one step of a substitution path: a map key or an array index.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return strconv.Itoa(s.Index)
	}
	return s.Key
}

// ParsePath parses a dotted reference like "task.choices.0.text" into
// segments. The first segment names a task (by name or id) and must be an
// identifier; all-digit segments become array indices.
func ParsePath(ref string) ([]Segment, error) {
	if ref == "" {
		return nil, core.Errorf(core.CodeSubstitution, "empty substitution reference")
	}

	var segs []Segment
	start := 0
	for i := 0; i <= len(ref); i++ {
		if i < len(ref) && ref[i] != '.' {
			continue
		}
		part := ref[start:i]
		start = i + 1
		if part == "" {
			return nil, core.Errorf(core.CodeSubstitution, "malformed reference %q", ref).
				WithData("path", ref)
		}
		if allDigits(part) {
			if len(segs) == 0 {
				return nil, core.Errorf(core.CodeSubstitution, "reference %q must start with a task name", ref).
					WithData("path", ref)
			}
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, core.Errorf(core.CodeSubstitution, "bad index %q in %q", part, ref).
					WithData("path", ref)
			}
			segs = append(segs, Segment{Index: n, IsIndex: true})
			continue
		}
		if !validIdentifier(part) {
			return nil, core.Errorf(core.CodeSubstitution, "invalid segment %q in %q", part, ref).
				WithData("path", ref)
		}
		segs = append(segs, Segment{Key: part})
	}
	return segs, nil
}

// Walk resolves a parsed path against a value using dot/index semantics:
// map key lookup for key segments, array indexing for index segments. An
// index segment against a map falls back to a string key lookup so digit
// map keys remain addressable.
func Walk(value interface{}, segs []Segment) (interface{}, error) {
	current := value
	for i, seg := range segs {
		switch v := current.(type) {
		case map[string]interface{}:
			key := seg.Key
			if seg.IsIndex {
				key = strconv.Itoa(seg.Index)
			}
			next, ok := v[key]
			if !ok {
				return nil, core.Errorf(core.CodeSubstitution, "missing key %q at %s", key, pathPrefix(segs, i)).
					WithData("path", pathPrefix(segs, i+1))
			}
			current = next

		case []interface{}:
			if !seg.IsIndex {
				return nil, core.Errorf(core.CodeSubstitution, "cannot key into array with %q at %s", seg.Key, pathPrefix(segs, i)).
					WithData("path", pathPrefix(segs, i+1))
			}
			if seg.Index < 0 || seg.Index >= len(v) {
				return nil, core.Errorf(core.CodeSubstitution, "index %d out of range at %s", seg.Index, pathPrefix(segs, i)).
					WithData("path", pathPrefix(segs, i+1))
			}
			current = v[seg.Index]

		default:
			return nil, core.Errorf(core.CodeSubstitution, "cannot descend into %T at %s", current, pathPrefix(segs, i)).
				WithData("path", pathPrefix(segs, i+1))
		}
	}
	return current, nil
}

func pathPrefix(segs []Segment, n int) string {
	out := ""
	for i := 0; i < n && i < len(segs); i++ {
		if i > 0 {
			out += "."
		}
		out += segs[i].String()
	}
	if out == "" {
		return "<root>"
	}
	return out
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func validIdentifier(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '-':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(s) > 0
}

package interpreter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Runtime values are unknown at interpretation time. Instructions refer to
// them with placeholders that the executor replaces once they are produced.
const refFormat = "{{kurtosis:%d:%s.runtime_value}}"

var refRegexp = regexp.MustCompile(`\{\{kurtosis:([0-9]+):([A-Za-z0-9_.-]+)\.runtime_value\}\}`)

// Ref is a runtime value produced by the instruction at Index.
type Ref struct {
	Index int
	Field string
}

func (r Ref) String() string {
	return fmt.Sprintf(refFormat, r.Index, r.Field)
}

// Key identifies the value in a runtime value store.
func (r Ref) Key() string {
	return strconv.Itoa(r.Index) + ":" + r.Field
}

// FindRefs returns the references in s in order of appearance.
func FindRefs(s string) []Ref {
	var refs []Ref
	for _, m := range refRegexp.FindAllStringSubmatch(s, -1) {
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		refs = append(refs, Ref{Index: index, Field: m[2]})
	}
	return refs
}

// MissingValueError is returned when a reference has no value yet.
type MissingValueError struct {
	Ref Ref
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("runtime value %s isn't available", e.Ref)
}

// ReplaceRefs substitutes every reference in s with its value from lookup.
func ReplaceRefs(s string, lookup func(Ref) (string, bool)) (string, error) {
	var missing *MissingValueError
	out := refRegexp.ReplaceAllStringFunc(s, func(match string) string {
		refs := FindRefs(match)
		if len(refs) != 1 {
			return match
		}
		v, ok := lookup(refs[0])
		if !ok {
			if missing == nil {
				missing = &MissingValueError{Ref: refs[0]}
			}
			return match
		}
		return v
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// ResolveRefs replaces references inside every string of v, which must survive a JSON round trip.
func ResolveRefs[T any](v *T, lookup func(Ref) (string, bool)) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	replaced, err := ReplaceRefs(string(data), func(r Ref) (string, bool) {
		value, ok := lookup(r)
		if !ok {
			return "", false
		}
		quoted, _ := json.Marshal(value)
		return string(quoted[1 : len(quoted)-1]), true
	})
	if err != nil {
		return nil, err
	}
	var out T
	if err = json.Unmarshal([]byte(replaced), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

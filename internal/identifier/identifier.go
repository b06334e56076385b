package identifier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ShortenedUUIDLength is the number of leading hex characters of a UUID
// used as its shortened form before any collision lengthening.
const ShortenedUUIDLength = 12

// Identity is the identifying part of an enclave, a service or a files artifact.
type Identity struct {
	UUID          uuid.UUID `json:"uuid"`
	Name          string    `json:"name"`
	ShortenedUUID string    `json:"shortened_uuid"`
}

// NotFoundError is returned when no identity matches an identifier.
type NotFoundError struct {
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%q not found", e.Identifier)
}

// AmbiguousIdentifierError is returned when a shortened UUID prefix
// matches more than one identity.
type AmbiguousIdentifierError struct {
	Identifier string
	Candidates []Identity
}

func (e *AmbiguousIdentifierError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		names = append(names, fmt.Sprintf("%s (%s)", c.Name, Hex(c.UUID)))
	}
	return fmt.Sprintf("%q is ambiguous, it matches %s", e.Identifier, strings.Join(names, ", "))
}

// Hex returns the UUID as 32 lowercase hex characters without dashes.
func Hex(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// Shorten derives the shortened UUID of id. It starts from ShortenedUUIDLength
// characters and lengthens one character at a time while taken reports a collision.
func Shorten(id uuid.UUID, taken func(shortened string) bool) string {
	h := Hex(id)
	n := ShortenedUUIDLength
	for n < len(h) && taken(h[:n]) {
		n++
	}
	return h[:n]
}

// Resolve finds the identity referred to by identifier.
//
// Matching happens in order: exact UUID, exact name, shortened UUID prefix.
// Among prefix matches an exact shortened UUID wins, otherwise more than one
// match is an AmbiguousIdentifierError.
func Resolve(identities []Identity, identifier string) (Identity, error) {
	if identifier == "" {
		return Identity{}, &NotFoundError{Identifier: identifier}
	}

	if id, err := uuid.Parse(identifier); err == nil {
		for _, i := range identities {
			if i.UUID == id {
				return i, nil
			}
		}
	}

	var byName []Identity
	for _, i := range identities {
		if i.Name == identifier {
			byName = append(byName, i)
		}
	}
	switch len(byName) {
	case 0:
	case 1:
		return byName[0], nil
	default:
		return Identity{}, ambiguous(identifier, byName)
	}

	prefix := strings.ToLower(identifier)
	var byPrefix []Identity
	for _, i := range identities {
		if i.ShortenedUUID == prefix {
			return i, nil
		}
		if strings.HasPrefix(Hex(i.UUID), prefix) {
			byPrefix = append(byPrefix, i)
		}
	}
	switch len(byPrefix) {
	case 0:
		return Identity{}, &NotFoundError{Identifier: identifier}
	case 1:
		return byPrefix[0], nil
	default:
		return Identity{}, ambiguous(identifier, byPrefix)
	}
}

func ambiguous(identifier string, candidates []Identity) *AmbiguousIdentifierError {
	sorted := append([]Identity(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		return Hex(sorted[i].UUID) < Hex(sorted[j].UUID)
	})
	return &AmbiguousIdentifierError{Identifier: identifier, Candidates: sorted}
}

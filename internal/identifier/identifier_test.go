package identifier

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestShorten(t *testing.T) {
	id := uuid.MustParse("abcdef01-2345-6789-abcd-ef0123456789")

	t.Run("uses twelve characters without collisions", func(t *testing.T) {
		got := Shorten(id, func(string) bool { return false })
		if want := "abcdef012345"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})

	t.Run("lengthens until unique", func(t *testing.T) {
		taken := map[string]bool{"abcdef012345": true, "abcdef0123456": true}
		got := Shorten(id, func(s string) bool { return taken[s] })
		if want := "abcdef01234567"; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestResolve(t *testing.T) {
	a := Identity{UUID: uuid.MustParse("aaaa1111-0000-0000-0000-000000000001"), Name: "postgres", ShortenedUUID: "aaaa11110000"}
	b := Identity{UUID: uuid.MustParse("aaaa2222-0000-0000-0000-000000000002"), Name: "redis", ShortenedUUID: "aaaa22220000"}
	c := Identity{UUID: uuid.MustParse("bbbb3333-0000-0000-0000-000000000003"), Name: "aaaa2222", ShortenedUUID: "bbbb33330000"}
	identities := []Identity{a, b, c}

	tests := []struct {
		name       string
		identifier string
		want       Identity
	}{
		{name: "full uuid", identifier: a.UUID.String(), want: a},
		{name: "dashless uuid", identifier: Hex(b.UUID), want: b},
		{name: "name", identifier: "redis", want: b},
		{name: "name before prefix", identifier: "aaaa2222", want: c},
		{name: "shortened uuid", identifier: "aaaa11110000", want: a},
		{name: "unique prefix", identifier: "bbbb", want: c},
		{name: "upper case prefix", identifier: "BBBB33", want: c},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(identities, tt.identifier)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := Resolve(identities, "aaaa")
		var ambiguousErr *AmbiguousIdentifierError
		if !errors.As(err, &ambiguousErr) {
			t.Fatalf("got %v, want AmbiguousIdentifierError", err)
		}
		if got := len(ambiguousErr.Candidates); got != 2 {
			t.Fatalf("got %d candidates, want 2", got)
		}
		if ambiguousErr.Candidates[0] != a || ambiguousErr.Candidates[1] != b {
			t.Fatalf("got %v, want %v and %v", ambiguousErr.Candidates, a, b)
		}
	})

	t.Run("not found", func(t *testing.T) {
		for _, identifier := range []string{"", "cccc", "mysql"} {
			_, err := Resolve(identities, identifier)
			var notFoundErr *NotFoundError
			if !errors.As(err, &notFoundErr) {
				t.Fatalf("got %v, want NotFoundError for %q", err, identifier)
			}
		}
	})
}

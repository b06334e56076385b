package logstore

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMatcher(t *testing.T) {
	tests := []struct {
		name    string
		filters []Filter
		want    []string
	}{
		{
			name:    "matches everything without filters",
			filters: nil,
			want:    []string{"GET /health 200", "POST /runs 500", "worker started"},
		},
		{
			name:    "contains text",
			filters: []Filter{{Operator: OperatorContainsText, Text: "/"}},
			want:    []string{"GET /health 200", "POST /runs 500"},
		},
		{
			name:    "does not contain text",
			filters: []Filter{{Operator: OperatorDoesNotContainText, Text: "GET"}},
			want:    []string{"POST /runs 500", "worker started"},
		},
		{
			name:    "matches regex",
			filters: []Filter{{Operator: OperatorContainsMatchRegex, Text: `\s5\d\d$`}},
			want:    []string{"POST /runs 500"},
		},
		{
			name:    "does not match regex",
			filters: []Filter{{Operator: OperatorDoesNotContainMatchRegex, Text: `^(GET|POST)`}},
			want:    []string{"worker started"},
		},
		{
			name: "requires every filter",
			filters: []Filter{
				{Operator: OperatorContainsText, Text: "/"},
				{Operator: OperatorDoesNotContainMatchRegex, Text: "500"},
			},
			want: []string{"GET /health 200"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMatcher(tt.filters)
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			var got []string
			for _, s := range []string{"GET /health 200", "POST /runs 500", "worker started"} {
				if m.Match(s) {
					got = append(got, s)
				}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("rejects a bad regex", func(t *testing.T) {
		_, err := NewMatcher([]Filter{{Operator: OperatorContainsMatchRegex, Text: "("}})
		if !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("got %v, want %v", err, ErrInvalidFilter)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	enclaveUUID, serviceUUID := uuid.New(), uuid.New()

	s := NewMemoryStore()
	err := Collect(ctx, s, &CollectParams{
		EnclaveUUID: enclaveUUID,
		ServiceUUID: serviceUUID,
		Output:      strings.NewReader("one\ntwo\nthree\n"),
	})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}

	t.Run("returns the latest lines", func(t *testing.T) {
		lines, err := s.Query(ctx, &QueryParams{EnclaveUUID: enclaveUUID, ServiceUUID: serviceUUID, NumLines: 2})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got := texts(lines); !reflect.DeepEqual(got, []string{"two", "three"}) {
			t.Fatalf("got %v, want %v", got, []string{"two", "three"})
		}
	})

	t.Run("returns all lines", func(t *testing.T) {
		lines, err := s.Query(ctx, &QueryParams{EnclaveUUID: enclaveUUID, ServiceUUID: serviceUUID, ReturnAll: true})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got := len(lines); got != 3 {
			t.Fatalf("got %d lines, want 3", got)
		}
	})

	t.Run("follows new matching lines", func(t *testing.T) {
		followCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		m, err := NewMatcher([]Filter{{Operator: OperatorContainsText, Text: "f"}})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got := make(chan string, 10)
		done := make(chan error, 1)
		go func() {
			done <- s.Follow(followCtx, &QueryParams{EnclaveUUID: enclaveUUID, ServiceUUID: serviceUUID, Matcher: m, ReturnAll: true}, func(l *Line) error {
				got <- l.Text
				if l.Text == "five" {
					cancel()
				}
				return nil
			})
		}()

		for _, text := range []string{"four", "five"} {
			if err := s.Append(ctx, &Line{EnclaveUUID: enclaveUUID, ServiceUUID: serviceUUID, Text: text}); err != nil {
				t.Fatalf("didn't want %q", err)
			}
		}

		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want %v", err, context.Canceled)
		}
		close(got)
		var followed []string
		for text := range got {
			followed = append(followed, text)
		}
		if !reflect.DeepEqual(followed, []string{"four", "five"}) {
			t.Fatalf("got %v, want %v", followed, []string{"four", "five"})
		}
	})
}

func texts(lines []*Line) []string {
	var s []string
	for _, l := range lines {
		s = append(s, l.Text)
	}
	return s
}

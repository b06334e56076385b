package logstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidFilter = errors.New("invalid log filter")

// Line is one line of service output.
type Line struct {
	EnclaveUUID uuid.UUID `json:"enclave_uuid"`
	ServiceUUID uuid.UUID `json:"service_uuid"`
	Time        time.Time `json:"time"`
	Text        string    `json:"text"`
}

type Operator string

const (
	OperatorContainsText             Operator = "CONTAINS_TEXT"
	OperatorDoesNotContainText       Operator = "DOES_NOT_CONTAIN_TEXT"
	OperatorContainsMatchRegex       Operator = "CONTAINS_MATCH_REGEX"
	OperatorDoesNotContainMatchRegex Operator = "DOES_NOT_CONTAIN_MATCH_REGEX"
)

var operatorFromString = map[string]Operator{
	string(OperatorContainsText):             OperatorContainsText,
	string(OperatorDoesNotContainText):       OperatorDoesNotContainText,
	string(OperatorContainsMatchRegex):       OperatorContainsMatchRegex,
	string(OperatorDoesNotContainMatchRegex): OperatorDoesNotContainMatchRegex,
}

func OperatorFromString(s string) (Operator, bool) {
	o, ok := operatorFromString[s]
	return o, ok
}

type Filter struct {
	Operator Operator `json:"operator"`
	Text     string   `json:"text"`
}

// Matcher holds a compiled conjunction of filters. The zero Matcher matches every line.
type Matcher struct {
	preds []func(string) bool
}

func NewMatcher(filters []Filter) (*Matcher, error) {
	m := &Matcher{}
	for _, f := range filters {
		switch f.Operator {
		case OperatorContainsText:
			text := f.Text
			m.preds = append(m.preds, func(s string) bool { return strings.Contains(s, text) })
		case OperatorDoesNotContainText:
			text := f.Text
			m.preds = append(m.preds, func(s string) bool { return !strings.Contains(s, text) })
		case OperatorContainsMatchRegex, OperatorDoesNotContainMatchRegex:
			re, err := regexp.Compile(f.Text)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
			}
			negate := f.Operator == OperatorDoesNotContainMatchRegex
			m.preds = append(m.preds, func(s string) bool { return re.MatchString(s) != negate })
		default:
			return nil, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, f.Operator)
		}
	}
	return m, nil
}

func (m *Matcher) Match(text string) bool {
	if m == nil {
		return true
	}
	for _, pred := range m.preds {
		if !pred(text) {
			return false
		}
	}
	return true
}

type QueryParams struct {
	EnclaveUUID uuid.UUID // required
	ServiceUUID uuid.UUID // required
	Matcher     *Matcher
	// ReturnAll returns every stored line. Otherwise at most NumLines of the latest lines are returned.
	ReturnAll bool
	NumLines  int
}

// Store keeps service output per enclave and service.
type Store interface {
	Append(ctx context.Context, line *Line) error
	Query(ctx context.Context, params *QueryParams) ([]*Line, error)
	// Follow sends the lines Query would return and then every new matching line
	// until ctx ends or fn returns an error.
	Follow(ctx context.Context, params *QueryParams, fn func(*Line) error) error
}

// Tail applies the matcher and then keeps the lines params asks for.
func Tail(lines []*Line, params *QueryParams) []*Line {
	matched := make([]*Line, 0, len(lines))
	for _, l := range lines {
		if params.Matcher.Match(l.Text) {
			matched = append(matched, l)
		}
	}
	if params.ReturnAll {
		return matched
	}
	if params.NumLines <= 0 {
		return nil
	}
	if len(matched) > params.NumLines {
		matched = matched[len(matched)-params.NumLines:]
	}
	return matched
}

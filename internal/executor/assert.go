package executor

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

var ErrAssertionFailed = errors.New("assertion failed")

// assert compares value with the JSON encoded target. Numbers compare
// numerically and anything else compares as text. IN and NOT_IN take a list.
func assert(value string, assertion string, target string) error {
	t := gjson.Parse(target)

	switch assertion {
	case "IN", "NOT_IN":
		if !t.IsArray() {
			return fmt.Errorf("%w: %s needs a list, got %s", ErrAssertionFailed, assertion, target)
		}
		found := false
		for _, elem := range t.Array() {
			if c, err := compare(value, elem); err == nil && c == 0 {
				found = true
				break
			}
		}
		if found != (assertion == "IN") {
			return fmt.Errorf("%w: %q %s %s", ErrAssertionFailed, value, assertion, target)
		}
		return nil
	}

	c, err := compare(value, t)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAssertionFailed, err)
	}
	var ok bool
	switch assertion {
	case "==":
		ok = c == 0
	case "!=":
		ok = c != 0
	case ">=":
		ok = c >= 0
	case "<=":
		ok = c <= 0
	case ">":
		ok = c > 0
	case "<":
		ok = c < 0
	default:
		return fmt.Errorf("%w: unknown assertion %q", ErrAssertionFailed, assertion)
	}
	if !ok {
		return fmt.Errorf("%w: %q %s %s", ErrAssertionFailed, value, assertion, target)
	}
	return nil
}

func compare(value string, target gjson.Result) (int, error) {
	if target.Type == gjson.Number {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("%q isn't a number", value)
		}
		switch {
		case v < target.Num:
			return -1, nil
		case v > target.Num:
			return 1, nil
		}
		return 0, nil
	}
	s := target.String()
	switch {
	case value < s:
		return -1, nil
	case value > s:
		return 1, nil
	}
	return 0, nil
}

package transform

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var errNull = errors.New("null value")

// dateLayouts are tried in order for free-text dates. Day-first forms are
// not accepted; "01/02/2006" is January 2nd.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05Z07:00",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
	"Monday, January 2, 2006",
}

// CompactDate converts v to a YYYYMMDD integer. It accepts time.Time, an
// already compact integer (int64 or integral float64), an 8-digit string, or
// a date string in one of dateLayouts.
func CompactDate(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, errNull
	case time.Time:
		return compact(x), nil
	case int64:
		return checkCompact(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("date %v is not an integer", x)
		}
		return checkCompact(int64(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, errNull
		}
		if len(s) == 8 && isDigits(s) {
			ts, err := time.Parse("20060102", s)
			if err != nil {
				return 0, fmt.Errorf("unparsable date %q", x)
			}
			return compact(ts), nil
		}
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return compact(ts), nil
			}
		}
		return 0, fmt.Errorf("unparsable date %q", x)
	default:
		return 0, fmt.Errorf("unsupported date type %T", v)
	}
}

func compact(t time.Time) int64 {
	return int64(t.Year())*10000 + int64(t.Month())*100 + int64(t.Day())
}

func checkCompact(n int64) (int64, error) {
	y, m, d := n/10000, (n/100)%100, n%100
	if n < 10000101 || n > 99991231 {
		return 0, fmt.Errorf("date %d is not YYYYMMDD", n)
	}
	t := time.Date(int(y), time.Month(m), int(d), 0, 0, 0, 0, time.UTC)
	if compact(t) != n {
		return 0, fmt.Errorf("date %d is not a calendar day", n)
	}
	return n, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var priceStripper = strings.NewReplacer("$", "", ",", "", "-", "")

// Price converts a currency cell to float64. "$", "," and "-" are removed
// before parsing, so "-$5" becomes 5. nil stays nil.
func Price(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		s := strings.TrimSpace(priceStripper.Replace(x))
		if s == "" {
			return nil, fmt.Errorf("empty price %q", x)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("unparsable price %q", x)
		}
		return d.InexactFloat64(), nil
	default:
		return nil, fmt.Errorf("unsupported price type %T", v)
	}
}

// number reads a numeric cell. ok is false for nil.
func number(v any) (f float64, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case int64:
		return float64(x), true, nil
	case float64:
		return x, true, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return 0, false, fmt.Errorf("not a number: %q", x)
		}
		return d.InexactFloat64(), true, nil
	default:
		return 0, false, fmt.Errorf("not a number: %T", v)
	}
}

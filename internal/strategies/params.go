package strategies

import (
	"time"

	"github.com/shopspring/decimal"
)

// paramDecimal reads a numeric/string strategy parameter as decimal.Decimal,
// falling back to def when absent or unparsable. StrategyConfig.Parameters
// is a map[string]any populated from JSON, so numeric values typically
// arrive as float64.
func paramDecimal(params map[string]any, key string, def decimal.Decimal) decimal.Decimal {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t)
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return def
		}
		return d
	default:
		return def
	}
}

func paramInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	default:
		return def
	}
}

func paramString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func paramBool(params map[string]any, key string, def bool) bool {
	v, ok := params[key]
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func paramStringSlice(params map[string]any, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// loadLocation resolves an IANA timezone name, defaulting to America/New_York
// (the exchange timezone every SPX/ES strategy in this system trades in).
func loadLocation(name string) *time.Location {
	if name == "" {
		name = "America/New_York"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

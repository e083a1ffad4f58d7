package jobs

import "github.com/spf13/cast"

// Param* helpers coerce the free-form Params map (sourced from a JSONB
// column, so numbers may arrive as float64, strings, or json.Number)
// into the typed value a processor actually wants, falling back to a
// default when the key is absent or not coercible.

func ParamBool(p Params, key string, fallback bool) bool {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return fallback
	}
	return b
}

func ParamInt(p Params, key string, fallback int) int {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return fallback
	}
	return i
}

func ParamFloat(p Params, key string, fallback float64) float64 {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return fallback
	}
	return f
}

func ParamString(p Params, key string, fallback string) string {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	s, err := cast.ToStringE(v)
	if err != nil || s == "" {
		return fallback
	}
	return s
}

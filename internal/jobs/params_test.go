package jobs

import "testing"

func TestParamBool(t *testing.T) {
	cases := []struct {
		name     string
		params   Params
		key      string
		fallback bool
		want     bool
	}{
		{"absent key uses fallback", Params{}, "generate_thumbnail", true, true},
		{"bool value", Params{"generate_thumbnail": false}, "generate_thumbnail", true, false},
		{"string coerces", Params{"generate_thumbnail": "true"}, "generate_thumbnail", false, true},
		{"uncoercible falls back", Params{"generate_thumbnail": []int{1}}, "generate_thumbnail", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParamBool(tc.params, tc.key, tc.fallback); got != tc.want {
				t.Fatalf("ParamBool() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParamInt(t *testing.T) {
	cases := []struct {
		name     string
		params   Params
		fallback int
		want     int
	}{
		{"absent key", Params{}, 5, 5},
		{"int value", Params{"min_size": 7}, 5, 7},
		{"float64 from JSON decode", Params{"min_size": float64(3)}, 5, 3},
		{"string coerces", Params{"min_size": "9"}, 5, 9},
		{"uncoercible falls back", Params{"min_size": "not-a-number"}, 5, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParamInt(tc.params, "min_size", tc.fallback); got != tc.want {
				t.Fatalf("ParamInt() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParamFloat(t *testing.T) {
	params := Params{"gap_threshold": float64(1.5)}
	if got := ParamFloat(params, "gap_threshold", 1.0); got != 1.5 {
		t.Fatalf("ParamFloat() = %v, want 1.5", got)
	}
	if got := ParamFloat(Params{}, "gap_threshold", 1.0); got != 1.0 {
		t.Fatalf("ParamFloat() fallback = %v, want 1.0", got)
	}
}

func TestParamString(t *testing.T) {
	if got := ParamString(Params{"hash_kind": "ahash"}, "hash_kind", "dhash"); got != "ahash" {
		t.Fatalf("ParamString() = %q, want %q", got, "ahash")
	}
	if got := ParamString(Params{"hash_kind": ""}, "hash_kind", "dhash"); got != "dhash" {
		t.Fatalf("ParamString() empty value should fall back, got %q", got)
	}
	if got := ParamString(Params{}, "hash_kind", "dhash"); got != "dhash" {
		t.Fatalf("ParamString() absent key = %q, want %q", got, "dhash")
	}
}

func TestParamsIgnoresUnknownKeys(t *testing.T) {
	params := Params{"unused_future_option": 42, "min_size": 4}
	if got := ParamInt(params, "min_size", 3); got != 4 {
		t.Fatalf("ParamInt() = %v, want 4", got)
	}
}

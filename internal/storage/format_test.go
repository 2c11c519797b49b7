package storage

import "testing"

// TestFormatValue covers the canonical text rendering of decoded JSON
// scalars, in particular keeping large ids out of scientific notation.
func TestFormatValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"integral float", float64(42), "42"},
		{"graph id sized float", float64(1234567890123), "1234567890123"},
		{"negative integral", float64(-7), "-7"},
		{"fractional", 0.25, "0.25"},
		{"huge float written in full", 1e20, "100000000000000000000"},
		{"int", 7, "7"},
		{"int64", int64(9000000000), "9000000000"},
		{"residual map is JSON", map[string]any{"code": float64(1), "msg": "x"}, `{"code":1,"msg":"x"}`},
		{"residual slice is JSON", []any{"a", float64(2)}, `["a",2]`},
	}
	for _, tt := range tests {
		if got := FormatValue(tt.in); got != tt.want {
			t.Fatalf("%s: FormatValue(%v) = %q, want %q", tt.name, tt.in, got, tt.want)
		}
	}
}

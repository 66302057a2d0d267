package logging

import "testing"

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "debug",
		"warn":  "warn",
		"error": "error",
		"":      "info",
		"bogus": "info",
	}
	for in, want := range cases {
		got := parseLevel(in).String()
		if got != want {
			t.Errorf("parseLevel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewProducesNonNilLoggers(t *testing.T) {
	z := New(Options{Level: "debug", JSON: true})
	if z == nil {
		t.Fatal("New returned nil logger")
	}
	lr := Logr(z)
	lr.Info("hello")
}

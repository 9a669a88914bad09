package logging

import "testing"

func TestNew(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		logger, err := New(env)
		if err != nil {
			t.Fatalf("New(%q): %v", env, err)
		}
		if logger == nil {
			t.Fatalf("New(%q) returned nil logger", env)
		}
	}
	prod, _ := New("production")
	if prod.Core().Enabled(-1) {
		t.Fatalf("production logger must not log debug")
	}
}

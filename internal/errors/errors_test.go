package errors

import (
	"fmt"
	"net"
	"testing"
)

func TestBuildDetectsCategory(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"dns failure", &net.DNSError{Err: "no such host", Name: "firestore.googleapis.com"}, CategoryNetwork},
		{"refused text", fmt.Errorf("dial tcp 127.0.0.1:443: connect: connection refused"), CategoryNetwork},
		{"deadline", fmt.Errorf("context deadline exceeded"), CategoryTimeout},
		{"sqlite", fmt.Errorf("sqlite3: file is not a database"), CategoryDatabase},
		{"generic", fmt.Errorf("something odd"), CategoryGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ee := New(tt.err).Build()
			if ee.Category != tt.expected {
				t.Errorf("Expected category %s, got %s", tt.expected, ee.Category)
			}
		})
	}
}

func TestExplicitCategoryWins(t *testing.T) {
	ee := Newf("quota exhausted").Component("mirror").Category(CategoryNetwork).Context("user", "u1").Build()
	if !IsCategory(ee, CategoryNetwork) {
		t.Errorf("Expected network category, got %s", ee.Category)
	}
	if ee.Component != "mirror" {
		t.Errorf("Expected component mirror, got %s", ee.Component)
	}
	if ee.GetContext()["user"] != "u1" {
		t.Errorf("Expected context user=u1, got %v", ee.GetContext())
	}
}

func TestIsNetwork(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"wrapped dns", fmt.Errorf("failed to commit: %w", &net.DNSError{Err: "no such host"}), true},
		{"validation", New(fmt.Errorf("document too large")).Category(CategoryValidation).Build(), false},
		{"categorised network", New(fmt.Errorf("backend gone")).Category(CategoryNetwork).Build(), true},
		{"permission", fmt.Errorf("googleapi: Error 403: permission denied"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetwork(tt.err); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestEnhancedErrorUnwrap(t *testing.T) {
	sentinel := NewStd("database error")
	ee := New(fmt.Errorf("%w: open failed", sentinel)).Category(CategoryDatabase).Build()
	if !Is(ee, sentinel) {
		t.Error("Expected wrapped sentinel to match")
	}
	if !Is(ee, &EnhancedError{Category: CategoryDatabase}) {
		t.Error("Expected category match against EnhancedError target")
	}
}

// ABOUTME: Tests for the root stwgc package, verifying version metadata
// ABOUTME: These tests ensure the basic package setup is working correctly

package stwgc_test

import (
	"strings"
	"testing"

	"github.com/prateek/stwgc"
)

func TestVersion(t *testing.T) {
	if stwgc.Version == "" {
		t.Error("Version constant should not be empty")
	}
	if !strings.HasPrefix(stwgc.Version, "0.") {
		t.Errorf("Version should start with %q, got %q", "0.", stwgc.Version)
	}
}

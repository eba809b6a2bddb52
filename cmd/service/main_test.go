package main

import "testing"

// TestCoverageGaps_IntentionallyUntested documents why cmd/service has no unit tests.
func TestCoverageGaps_IntentionallyUntested(t *testing.T) {
	t.Skip("main.go only wires internal/app and handles signals; the wiring is tested in internal/app")
}

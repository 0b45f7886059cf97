package main

import "testing"

func TestKeyNote(t *testing.T) {
	tests := []struct {
		key    byte
		octave int
		note   int
		ok     bool
	}{
		{'a', 4, 60, true},
		{'w', 4, 61, true},
		{'k', 4, 72, true},
		{'a', 0, 12, true},
		{'p', 9, 0, false},
		{'1', 4, 0, false},
	}
	for _, tt := range tests {
		note, ok := keyNote(tt.key, tt.octave)
		if note != tt.note || ok != tt.ok {
			t.Errorf("keyNote(%q, %d) = %d, %v, want %d, %v", tt.key, tt.octave, note, ok, tt.note, tt.ok)
		}
	}
}

package db

import "testing"

func TestUUIDParam(t *testing.T) {
	// Debits, grants, and allocations carry no ref_entry_id; the parameter
	// for the UUID column must be a typed NULL, not an empty string.
	if got := uuidParam(""); got != nil {
		t.Errorf("uuidParam(\"\") = %v, want nil", got)
	}

	id := "5b2f7a1e-9c1d-4f3a-8e6b-2d9c0a4f7e11"
	got := uuidParam(id)
	if got == nil || *got != id {
		t.Errorf("uuidParam(%q) = %v, want the value preserved", id, got)
	}
}

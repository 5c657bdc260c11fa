// Copyright 2025 James Ross
package queue

import "testing"

func TestIsValidIdentifier(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"email", true},
		{"Acct-123_main", true},
		{"", false},
		{"has a space", false},
		{"has/a/slash", false},
		{string(make([]byte, 101)), false},
	}
	for _, c := range cases {
		if got := IsValidIdentifier(c.id); got != c.want {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestIsValidInterval(t *testing.T) {
	if IsValidInterval(0) {
		t.Error("expected 0 to be invalid")
	}
	if IsValidInterval(-1) {
		t.Error("expected negative to be invalid")
	}
	if !IsValidInterval(1000) {
		t.Error("expected positive interval to be valid")
	}
}

func TestIsValidRequeueLimit(t *testing.T) {
	if IsValidRequeueLimit(-2) {
		t.Error("expected -2 to be invalid")
	}
	if !IsValidRequeueLimit(-1) {
		t.Error("expected -1 (unbounded) to be valid")
	}
	if !IsValidRequeueLimit(0) {
		t.Error("expected 0 to be valid")
	}
	if !IsValidRequeueLimit(5) {
		t.Error("expected a positive budget to be valid")
	}
}

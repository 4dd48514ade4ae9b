package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestTorError_Error(t *testing.T) {
	cases := []struct {
		name string
		err  *TorError
		want string
	}{
		{
			name: "no underlying",
			err:  New(CategoryConfig, SeverityCritical, "bad setting"),
			want: "[config:critical] bad setting",
		},
		{
			name: "with underlying",
			err:  Wrap(CategoryProcessStart, SeverityHigh, "spawn failed", fmt.Errorf("exec: not found")),
			want: "[process_start:high] spawn failed: exec: not found",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTorError_Is(t *testing.T) {
	a := New(CategoryAuth, SeverityHigh, "refused")
	b := New(CategoryAuth, SeverityLow, "different message, same category")
	c := New(CategoryProtocol, SeverityHigh, "unrelated")

	if !errors.Is(a, b) {
		t.Error("expected errors of the same category to match Is")
	}
	if errors.Is(a, c) {
		t.Error("expected errors of different categories not to match Is")
	}
}

func TestGetCategoryAndSeverity(t *testing.T) {
	err := ConnectionLostError("peer closed", nil)
	if got := GetCategory(err); got != CategoryConnectionLost {
		t.Errorf("GetCategory() = %v, want %v", got, CategoryConnectionLost)
	}
	if got := GetSeverity(err); got != SeverityMedium {
		t.Errorf("GetSeverity() = %v, want %v", got, SeverityMedium)
	}

	plain := fmt.Errorf("not a TorError")
	if got := GetCategory(plain); got != "" {
		t.Errorf("GetCategory(plain) = %v, want empty", got)
	}
}

func TestIsCategory(t *testing.T) {
	err := IllegalStateError("enqueue after destroy")
	if !IsCategory(err, CategoryIllegalState) {
		t.Error("expected IsCategory to report true for matching category")
	}
	if IsCategory(err, CategoryAuth) {
		t.Error("expected IsCategory to report false for non-matching category")
	}
}

func TestWithContext(t *testing.T) {
	err := New(CategoryConfig, SeverityLow, "missing keyword").WithContext("keyword", "SocksPort")
	if err.Context["keyword"] != "SocksPort" {
		t.Errorf("Context[keyword] = %v, want SocksPort", err.Context["keyword"])
	}
}

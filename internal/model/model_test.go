package model

import (
	"errors"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewRunIDFormat(t *testing.T) {
	id := NewRunID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewRunID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewRunIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRunID()
		if seen[id] {
			t.Fatalf("NewRunID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{"bogus", StatusRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(StatusPending) || IsTerminal(StatusRunning) {
		t.Error("pending/running must not be terminal")
	}
	if !IsTerminal(StatusCompleted) || !IsTerminal(StatusFailed) {
		t.Error("completed/failed must be terminal")
	}
}

func TestShapeGuardInfersWidthFromFirstResult(t *testing.T) {
	g := NewShapeGuard(0)
	if err := g.Check(QOI{1, 2, 3}); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	if g.Width() != 3 {
		t.Errorf("Width() = %d, want 3", g.Width())
	}
	if err := g.Check(QOI{4, 5, 6}); err != nil {
		t.Errorf("same-width Check: %v", err)
	}
	if err := g.Check(QOI{7}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("mismatched Check error = %v, want ErrShapeMismatch", err)
	}
}

func TestShapeGuardDeclaredWidth(t *testing.T) {
	g := NewShapeGuard(1)
	if err := g.Check(QOI{1, 2}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Check error = %v, want ErrShapeMismatch", err)
	}
	if err := g.Check(QOI{42}); err != nil {
		t.Errorf("Check scalar: %v", err)
	}
}

func TestShapeGuardRejectsEmpty(t *testing.T) {
	g := NewShapeGuard(0)
	if err := g.Check(nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Check(nil) error = %v, want ErrShapeMismatch", err)
	}
	if g.Width() != 0 {
		t.Errorf("Width() = %d after empty check, want 0", g.Width())
	}
}

func TestQOIScalar(t *testing.T) {
	if !(QOI{1}).Scalar() {
		t.Error("QOI{1}.Scalar() = false")
	}
	if (QOI{1, 2}).Scalar() {
		t.Error("QOI{1,2}.Scalar() = true")
	}
}

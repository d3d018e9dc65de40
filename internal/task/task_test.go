package task

import (
	"testing"
	"time"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"P0", P0Critical, false},
		{"p1", P1High, false},
		{"HIGH", P1High, false},
		{"P2-MEDIUM", P2Medium, false},
		{" low ", P3Low, false},
		{"P4", P2Medium, true},
		{"", P2Medium, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePriority(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePriority(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	if !(P0Critical < P1High && P1High < P2Medium && P2Medium < P3Low) {
		t.Fatal("priorities must order ascending from most to least urgent")
	}
}

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateCompleted: true,
		StateEscalated: true,
		StateFailed:    true,
		StateCancelled: true,
	}
	for s := StateQueued; s <= StateCancelled; s++ {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("%v.Terminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestLeaseValid(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tk := &Task{Owner: "exec-1", LeaseExpiresAt: now.Add(time.Minute)}
	if !tk.LeaseValid("exec-1", now) {
		t.Error("unexpired lease held by owner should be valid")
	}
	if tk.LeaseValid("exec-2", now) {
		t.Error("lease must not validate for a different executor")
	}
	if tk.LeaseValid("exec-1", now.Add(time.Minute)) {
		t.Error("lease expiring exactly now is no longer valid")
	}

	unleased := &Task{Owner: "exec-1"}
	if unleased.LeaseValid("exec-1", now) {
		t.Error("zero expiry means no lease")
	}
}

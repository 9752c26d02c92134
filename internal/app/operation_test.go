package app

import (
	"errors"
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	op := NewOperation("update", "example.com game alice", start)

	if op.Name != "update" || op.Parameters != "example.com game alice" {
		t.Errorf("operation = %+v", op)
	}
	if op.Status != "running" {
		t.Errorf("Status = %q, want running", op.Status)
	}
	if op.ID == "" {
		t.Error("ID is empty")
	}
	if other := NewOperation("update", "", start); other.ID == op.ID {
		t.Error("operations share an ID")
	}
	if op.Duration() != 0 {
		t.Errorf("Duration() = %v before Finish", op.Duration())
	}
}

func TestOperation_Finish(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "success", err: nil, want: "success"},
		{name: "error", err: errors.New("boom"), want: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewOperation("commit", "", start)
			op.Finish(tt.err, start.Add(3*time.Second))
			if op.Status != tt.want {
				t.Errorf("Status = %q, want %q", op.Status, tt.want)
			}
			if op.Duration() != 3*time.Second {
				t.Errorf("Duration() = %v, want 3s", op.Duration())
			}
		})
	}
}

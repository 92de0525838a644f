package agent

import "testing"

func TestFailover_Record(t *testing.T) {
	tests := []struct {
		name    string
		batches [][]string
		want    int
	}{
		{"single failure", [][]string{{"Error: boom"}}, 1},
		{"failures accumulate across batches", [][]string{{"Error: a"}, {"Error: b", "Error executing x: c"}}, 3},
		{"success resets", [][]string{{"Error: a", "Error: b"}, {"ok"}}, 0},
		{"last result in batch wins", [][]string{{"Error: a", "ok", "Error: b"}}, 1},
		{"empty batch resets", [][]string{{"Error: a"}, {}}, 0},
		{"lowercase error is not a failure", [][]string{{"error: a"}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFailover("A", "B", 10)
			for _, b := range tt.batches {
				f.Record(b)
			}
			if f.Failures() != tt.want {
				t.Errorf("Failures() = %d, want %d", f.Failures(), tt.want)
			}
		})
	}
}

func TestFailover_Switch(t *testing.T) {
	f := NewFailover("A", "B", 3)

	for i := 0; i < 2; i++ {
		f.Record([]string{"Error: boom"})
		if _, ok := f.Maybe(); ok {
			t.Fatalf("switched after %d failures", i+1)
		}
	}

	f.Record([]string{"Error: boom"})
	from, ok := f.Maybe()
	if !ok || from != "A" || f.Model() != "B" {
		t.Fatalf("Maybe() = %q, %v; model %q", from, ok, f.Model())
	}
	if f.Failures() != 0 {
		t.Errorf("Failures() after switch = %d, want 0", f.Failures())
	}

	for i := 0; i < 5; i++ {
		f.Record([]string{"Error: still failing"})
		if _, ok := f.Maybe(); ok {
			t.Fatal("switched again after reaching the fallback")
		}
	}
	f.Record([]string{"fine"})
	if f.Model() != "B" {
		t.Errorf("model reverted to %q", f.Model())
	}
}

func TestFailover_Disabled(t *testing.T) {
	f := NewFailover("A", "", 1)
	f.Record([]string{"Error: boom"})
	if _, ok := f.Maybe(); ok || f.Model() != "A" {
		t.Errorf("switched without a fallback: model %q", f.Model())
	}
}

func TestFailover_ThresholdFloor(t *testing.T) {
	f := NewFailover("A", "B", 0)
	f.Record([]string{"Error: boom"})
	if _, ok := f.Maybe(); !ok {
		t.Error("threshold 0 should behave as 1")
	}
}

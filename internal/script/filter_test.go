package script

import "testing"

func TestFilterEvaluatesAgainstSnapshotFields(t *testing.T) {
	f, err := Compile("calls > 100 && slot != 3")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	cases := []struct {
		snap Snapshot
		want bool
	}{
		{Snapshot{Slot: 0, Calls: 101}, true},
		{Snapshot{Slot: 3, Calls: 500}, false},
		{Snapshot{Slot: 1, Calls: 10}, false},
	}

	for _, c := range cases {
		got, err := f.Eval(c.snap)
		if err != nil {
			t.Fatalf("Eval(%+v): %v", c.snap, err)
		}
		if got != c.want {
			t.Errorf("Eval(%+v) = %v, want %v", c.snap, got, c.want)
		}
	}
}

func TestCompileRejectsInvalidSyntax(t *testing.T) {
	if _, err := Compile("calls >"); err == nil {
		t.Fatal("expected compile error for invalid expression")
	}
}

func TestFilterReusableAcrossEvaluations(t *testing.T) {
	f, err := Compile("delta_ms < 50")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for i := int64(0); i < 3; i++ {
		got, err := f.Eval(Snapshot{DeltaMillis: i * 10})
		if err != nil {
			t.Fatalf("Eval: %v", err)
		}
		if !got {
			t.Errorf("Eval(delta_ms=%d) = false, want true", i*10)
		}
	}
}

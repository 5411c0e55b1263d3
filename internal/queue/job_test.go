package queue

import "testing"

func TestMarshalUnmarshal(t *testing.T) {
	j := NewJob("job-1", "image-from-text", 5, "t", "s")
	s, err := j.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	j2, err := UnmarshalJob(s)
	if err != nil {
		t.Fatal(err)
	}
	if j2.JobID != j.JobID || j2.Kind != j.Kind || j2.Priority != j.Priority {
		t.Fatalf("roundtrip mismatch: %#v vs %#v", j, j2)
	}
}

func TestPriorityClass(t *testing.T) {
	if priorityClass(1) != "high" {
		t.Fatalf("expected positive priority to be high class")
	}
	if priorityClass(0) != "normal" {
		t.Fatalf("expected zero priority to be normal class")
	}
	if priorityClass(-3) != "normal" {
		t.Fatalf("expected negative priority to be normal class")
	}
}

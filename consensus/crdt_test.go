package consensus

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestGCounterMergeCommutative(t *testing.T) {
	a := NewGCounter()
	a.Increment("a1", 3)
	b := NewGCounter()
	b.Increment("a2", 5)
	c := NewGCounter()
	c.Increment("a3", 1)

	// merge(merge(a,b),c)
	left := NewGCounter()
	left.Merge(a)
	left.Merge(b)
	left.Merge(c)

	// merge(a,merge(b,c))
	bc := NewGCounter()
	bc.Merge(b)
	bc.Merge(c)
	right := NewGCounter()
	right.Merge(a)
	right.Merge(bc)

	if !reflect.DeepEqual(left.Counts, right.Counts) {
		t.Fatalf("merge not associative: %v vs %v", left.Counts, right.Counts)
	}
	if left.Value() != 9 {
		t.Fatalf("expected total 9, got %d", left.Value())
	}
}

func TestGCounterMergeIdempotent(t *testing.T) {
	a := NewGCounter()
	a.Increment("a1", 4)
	a.Increment("a2", 2)

	once := NewGCounter()
	once.Merge(a)
	twice := NewGCounter()
	twice.Merge(a)
	twice.Merge(a)

	if !reflect.DeepEqual(once.Counts, twice.Counts) {
		t.Fatalf("merge(S,S) != S: %v vs %v", once.Counts, twice.Counts)
	}
}

func TestGSetMergeUnion(t *testing.T) {
	a := NewGSet()
	a.Add("x")
	a.Add("y")
	b := NewGSet()
	b.Add("y")
	b.Add("z")

	a.Merge(b)
	want := []string{"x", "y", "z"}
	if !reflect.DeepEqual(a.Elements(), want) {
		t.Fatalf("expected %v, got %v", want, a.Elements())
	}

	// Idempotent.
	a.Merge(b)
	if !reflect.DeepEqual(a.Elements(), want) {
		t.Fatalf("repeat merge changed state: %v", a.Elements())
	}
}

func TestGSetJSONRoundTrip(t *testing.T) {
	a := NewGSet()
	a.Add("b")
	a.Add("a")
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["a","b"]` {
		t.Fatalf("unexpected encoding: %s", data)
	}
	var back GSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Contains("a") || !back.Contains("b") {
		t.Fatal("round trip lost elements")
	}
}

func TestORSetConcurrentReAddSurvivesRemove(t *testing.T) {
	a := NewORSet()
	a.Add("task-1")

	// Replica b observes a's add, then removes.
	b := NewORSet()
	b.Merge(a)
	b.Remove("task-1")

	// Meanwhile a re-adds concurrently under a fresh tag.
	a.Add("task-1")

	a.Merge(b)
	if !a.Contains("task-1") {
		t.Fatal("concurrent re-add did not survive observed remove")
	}

	// Without the re-add, the remove wins everywhere.
	c := NewORSet()
	c.Add("task-2")
	d := NewORSet()
	d.Merge(c)
	d.Remove("task-2")
	c.Merge(d)
	if c.Contains("task-2") {
		t.Fatal("observed remove did not take effect")
	}
}

func TestORSetMergeCommutative(t *testing.T) {
	a := NewORSet()
	a.Add("x")
	b := NewORSet()
	b.Add("y")
	b.Remove("y")

	ab := NewORSet()
	ab.Merge(a)
	ab.Merge(b)
	ba := NewORSet()
	ba.Merge(b)
	ba.Merge(a)

	if !reflect.DeepEqual(ab.Elements(), ba.Elements()) {
		t.Fatalf("merge order affected result: %v vs %v", ab.Elements(), ba.Elements())
	}
}

func TestORSetJSONRoundTrip(t *testing.T) {
	a := NewORSet()
	a.Add("x")
	a.Add("y")
	a.Remove("y")

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back ORSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(back.Elements(), a.Elements()) {
		t.Fatalf("round trip changed elements: %v vs %v", back.Elements(), a.Elements())
	}
}

func TestMergeCounterDeltaIdempotent(t *testing.T) {
	base := NewGCounter()
	base.Increment("a1", 2)
	local, _ := json.Marshal(base)

	delta := NewGCounter()
	delta.Increment("a2", 3)
	deltaRaw, _ := json.Marshal(delta)

	once, err := MergeCounterDelta(local, deltaRaw)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	twice, err := MergeCounterDelta(once, deltaRaw)
	if err != nil {
		t.Fatalf("merge again: %v", err)
	}

	var a, b GCounter
	if err := json.Unmarshal(once, &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(twice, &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(a.Counts, b.Counts) {
		t.Fatalf("delta application not idempotent: %v vs %v", a.Counts, b.Counts)
	}
	if a.Value() != 5 {
		t.Fatalf("expected merged total 5, got %d", a.Value())
	}
}

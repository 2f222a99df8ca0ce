package domain

import "testing"

func TestPatchMergeNewerWins(t *testing.T) {
	older := MustPatch(map[string]any{"name": "a", "priority": "low"})
	newer := MustPatch(map[string]any{"name": "b"})
	merged := older.Merge(newer)
	var name, priority string
	merged.Decode("name", &name)
	merged.Decode("priority", &priority)
	if name != "b" || priority != "low" {
		t.Fatalf("merged = %s/%s", name, priority)
	}
	if string(older["name"]) != `"a"` {
		t.Fatalf("merge mutated receiver")
	}
}

func TestApplyPatchToTask(t *testing.T) {
	desc := "before"
	task := Task{ID: Real(1), ColumnID: Real(2), Name: "card", Description: &desc, OrderPosition: 4}
	out, err := ApplyPatch(task, MustPatch(map[string]any{"name": "renamed", "description": nil}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Name != "renamed" || out.Description != nil {
		t.Fatalf("unexpected task %+v", out)
	}
	if out.ID != Real(1) || out.ColumnID != Real(2) || out.OrderPosition != 4 {
		t.Fatalf("untouched fields changed: %+v", out)
	}
	if task.Name != "card" {
		t.Fatalf("input modified")
	}
}

func TestPatchOnlyAndWithout(t *testing.T) {
	p := MustPatch(map[string]any{"a": 1, "b": 2, "c": 3})
	if got := p.Only("a", "z").Fields(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("only = %v", got)
	}
	if got := p.Without("a").Fields(); len(got) != 2 || got[0] != "b" {
		t.Fatalf("without = %v", got)
	}
}

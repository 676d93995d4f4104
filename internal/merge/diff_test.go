package merge

import (
	"testing"

	"github.com/ontoforge/oms/internal/schema"
)

func TestDiffEqualTreesIsEmpty(t *testing.T) {
	a := schema.MustParse(`{"object_type": {"Person": {"name": "Person"}}}`)
	b := schema.MustParse(`{"object_type": {"Person": {"name": "Person"}}}`)
	if d := Diff(a, b); len(d) != 0 {
		t.Fatalf("diff of equal trees = %v, want empty", d)
	}
}

func TestDiffChangeKinds(t *testing.T) {
	oldTree := schema.MustParse(`{"property": {"p1": {
		"description": "old",
		"deprecated": true,
		"default": "x"
	}}}`)
	newTree := schema.MustParse(`{"property": {"p1": {
		"description": "new",
		"indexed": true,
		"default": ["x"]
	}}}`)

	d := Diff(oldTree, newTree)
	if len(d) != 4 {
		t.Fatalf("got %d changes, want 4: %v", len(d), d)
	}

	if c := d["property.p1.description"]; c.Kind != ChangeModify || c.Old != "old" || c.New != "new" {
		t.Errorf("description change = %+v", c)
	}
	if c := d["property.p1.deprecated"]; c.Kind != ChangeRemove || c.Old != true {
		t.Errorf("deprecated change = %+v", c)
	}
	if c := d["property.p1.indexed"]; c.Kind != ChangeAdd || c.New != true {
		t.Errorf("indexed change = %+v", c)
	}
	if c := d["property.p1.default"]; c.Kind != ChangeTypeShift {
		t.Errorf("default change = %+v, want a type change", c)
	}
}

func TestDiffIgnoresBookkeepingKeys(t *testing.T) {
	oldTree := schema.MustParse(`{"@version": 1, "updated_at": "a", "name": "x"}`)
	newTree := schema.MustParse(`{"@version": 2, "updated_at": "b", "name": "x"}`)

	cfg := DefaultConfig()
	cfg.IgnoreKeys = []string{"updated_at"}
	d := DiffWithConfig(oldTree, newTree, &cfg)
	if len(d) != 0 {
		t.Fatalf("diff = %v, want bookkeeping keys ignored", d)
	}
}

func TestDiffListByID(t *testing.T) {
	oldTree := schema.MustParse(`{"properties": [
		{"name": "id", "type": "string"},
		{"name": "email", "type": "string"}
	]}`)
	newTree := schema.MustParse(`{"properties": [
		{"name": "email", "type": "text"},
		{"name": "phone", "type": "string"}
	]}`)

	d := Diff(oldTree, newTree)
	if len(d) != 3 {
		t.Fatalf("got %d changes, want 3: %v", len(d), d)
	}
	// Matched elements diff at their old position; additions at the new.
	if c := d["properties[0]"]; c.Kind != ChangeRemove {
		t.Errorf("properties[0] = %+v, want the id removal", c)
	}
	if c := d["properties[1].type"]; c.Kind != ChangeModify || c.Old != "string" || c.New != "text" {
		t.Errorf("properties[1].type = %+v", c)
	}
	if c := d["properties[1]"]; c.Kind != ChangeAdd {
		t.Errorf("properties[1] = %+v, want the phone addition", c)
	}
}

func TestDiffListPositionalFallback(t *testing.T) {
	oldTree := schema.MustParse(`{"tags": ["a", "b"]}`)
	newTree := schema.MustParse(`{"tags": ["a", "c", "d"]}`)

	d := Diff(oldTree, newTree)
	if len(d) != 2 {
		t.Fatalf("got %d changes, want 2: %v", len(d), d)
	}
	if c := d["tags[1]"]; c.Kind != ChangeModify || c.Old != "b" || c.New != "c" {
		t.Errorf("tags[1] = %+v", c)
	}
	if c := d["tags[2]"]; c.Kind != ChangeAdd || c.New != "d" {
		t.Errorf("tags[2] = %+v", c)
	}
}

func TestDiffDuplicateIDsFallBackToPositional(t *testing.T) {
	oldTree := schema.MustParse(`{"properties": [
		{"name": "dup"}, {"name": "dup"}
	]}`)
	newTree := schema.MustParse(`{"properties": [
		{"name": "dup"}
	]}`)

	d := Diff(oldTree, newTree)
	if c := d["properties[1]"]; c.Kind != ChangeRemove {
		t.Fatalf("diff = %v, want a positional removal at [1]", d)
	}
}

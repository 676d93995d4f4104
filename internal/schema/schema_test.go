package schema

import (
	"bytes"
	"testing"
	"time"
)

func TestCanonicalSortsKeysAndStripsWhitespace(t *testing.T) {
	v := MustParse(`{"zeta": 1, "alpha": {"b": 2, "a": 3}}`)
	got, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"alpha":{"a":3,"b":2},"zeta":1}`
	if string(got) != want {
		t.Errorf("canonical = %s, want %s", got, want)
	}
}

func TestCanonicalNormalizesNumbers(t *testing.T) {
	a := MustParse(`{"n": 1.0}`)
	b := MustParse(`{"n": 1}`)
	ca, _ := Canonical(a)
	cb, _ := Canonical(b)
	if !bytes.Equal(ca, cb) {
		t.Errorf("1.0 and 1 canonicalize differently: %s vs %s", ca, cb)
	}
	c := MustParse(`{"n": 1.5}`)
	cc, _ := Canonical(c)
	if string(cc) != `{"n":1.5}` {
		t.Errorf("canonical 1.5 = %s", cc)
	}
}

func TestCanonicalDeterministicAcrossInsertOrder(t *testing.T) {
	m1 := map[string]any{}
	m2 := map[string]any{}
	keys := []string{"d", "a", "c", "b", "e"}
	for _, k := range keys {
		m1[k] = k
	}
	for i := len(keys) - 1; i >= 0; i-- {
		m2[keys[i]] = keys[i]
	}
	c1 := MustCanonical(m1)
	c2 := MustCanonical(m2)
	if !bytes.Equal(c1, c2) {
		t.Errorf("canonical bytes differ for equal maps: %s vs %s", c1, c2)
	}
}

func TestCanonicalTimestampUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	v := map[string]any{"at": time.Date(2025, 3, 1, 16, 0, 0, 0, loc)}
	got := string(MustCanonical(v))
	want := `{"at":"2025-03-02T00:00:00Z"}`
	if got != want {
		t.Errorf("canonical timestamp = %s, want %s", got, want)
	}
}

func TestCanonicalRejectsUnknownTypes(t *testing.T) {
	type odd struct{ X int }
	if _, err := Canonical(map[string]any{"v": odd{1}}); err == nil {
		t.Fatal("expected error for struct leaf")
	}
}

func TestHashDistinguishesValues(t *testing.T) {
	h1, err := Hash(MustParse(`{"a":1}`))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if len(h1) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(h1))
	}
	h2, _ := Hash(MustParse(`{"a":2}`))
	if h1 == h2 {
		t.Error("different trees produced the same hash")
	}
	h3, _ := Hash(MustParse(`{"a":1.0}`))
	if h1 != h3 {
		t.Error("normalized numbers should hash identically")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	if _, err := Parse([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", `{"a":[1,2]}`, `{"a":[1,2]}`, true},
		{"number forms", `{"a":1}`, `{"a":1.0}`, true},
		{"value differs", `{"a":1}`, `{"a":2}`, false},
		{"missing key", `{"a":1}`, `{"a":1,"b":2}`, false},
		{"list order", `[1,2]`, `[2,1]`, false},
		{"type differs", `{"a":"1"}`, `{"a":1}`, false},
	}
	for _, tc := range cases {
		a := MustParse(tc.a)
		b := MustParse(tc.b)
		if got := Equal(a, b); got != tc.want {
			t.Errorf("%s: Equal = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := MustParse(`{"obj":{"x":1},"list":[1,2]}`).(map[string]any)
	cp := Clone(orig).(map[string]any)
	cp["obj"].(map[string]any)["x"] = "changed"
	cp["list"].([]any)[0] = "changed"
	if !Equal(orig["obj"], MustParse(`{"x":1}`)) {
		t.Error("mutating the clone changed the original map")
	}
	if !Equal(orig["list"], MustParse(`[1,2]`)) {
		t.Error("mutating the clone changed the original list")
	}
}

func TestGetSetPaths(t *testing.T) {
	tree := MustParse(`{"object_type":{"Person":{"properties":[{"name":"age","type":"int"}]}}}`)

	v, ok := Get(tree, "object_type.Person.properties[0].type")
	if !ok || v != "int" {
		t.Fatalf("Get = %v, %v", v, ok)
	}
	if _, ok := Get(tree, "object_type.Missing"); ok {
		t.Error("Get on missing key should report false")
	}
	if _, ok := Get(tree, "object_type.Person.properties[9]"); ok {
		t.Error("Get past sequence end should report false")
	}

	if err := Set(tree, "object_type.Person.properties[0].type", "long"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _ = Get(tree, "object_type.Person.properties[0].type")
	if v != "long" {
		t.Errorf("after Set, value = %v", v)
	}

	// Set creates intermediate maps.
	if err := Set(tree, "link_type.Owns.cardinality", "ONE_TO_MANY"); err != nil {
		t.Fatalf("Set with creation: %v", err)
	}
	v, _ = Get(tree, "link_type.Owns.cardinality")
	if v != "ONE_TO_MANY" {
		t.Errorf("created path value = %v", v)
	}
}

func TestDelete(t *testing.T) {
	tree := MustParse(`{"a":{"b":1,"c":2}}`)
	if err := Delete(tree, "a.b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := Get(tree, "a.b"); ok {
		t.Error("a.b still present after delete")
	}
	if err := Delete(tree, "a.missing.deeper"); err != nil {
		t.Errorf("deleting a missing path should be a no-op, got %v", err)
	}
}

func TestTypeName(t *testing.T) {
	tree := MustParse(`{"m":{},"l":[],"s":"x","n":1,"b":true,"z":null}`).(map[string]any)
	want := map[string]string{
		"m": "mapping", "l": "sequence", "s": "string",
		"n": "number", "b": "boolean", "z": "null",
	}
	for k, w := range want {
		if got := TypeName(tree[k]); got != w {
			t.Errorf("TypeName(%s) = %s, want %s", k, got, w)
		}
	}
}

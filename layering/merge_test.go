package layering

import (
	"reflect"
	"testing"
	"time"
)

func TestMergeMetadataChildOverridesParent(t *testing.T) {
	parent := map[string]any{
		"locale": "en-US",
		"theme": map[string]any{
			"mode":     "light",
			"contrast": "normal",
		},
		"beta": true,
	}
	child := map[string]any{
		"theme": map[string]any{"mode": "dark"},
		"beta":  false,
	}

	got := Merge(child, parent)
	want := map[string]any{
		"locale": "en-US",
		"theme": map[string]any{
			"mode":     "dark",
			"contrast": "normal",
		},
		"beta": false,
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("merged metadata mismatch:\nwant: %#v\n got: %#v", want, got)
	}

	got["locale"] = "fr-FR"
	if parent["locale"] != "en-US" {
		t.Fatalf("merge must not alias the weaker layer, parent locale is %v", parent["locale"])
	}
}

func TestMergeScalarReplacesNestedMap(t *testing.T) {
	parent := map[string]any{"limits": map[string]any{"max": 10}}
	child := map[string]any{"limits": "none"}

	got := Merge(child, parent)
	if got["limits"] != "none" {
		t.Fatalf("expected scalar override, got %#v", got["limits"])
	}
}

func TestMergeStructFieldsFallBack(t *testing.T) {
	type settings struct {
		Name  string
		Count *int
		Tags  map[string]string
	}
	five := 5
	weak := settings{Name: "defaults", Count: &five, Tags: map[string]string{"env": "prod"}}
	strong := settings{Tags: map[string]string{"team": "core"}}

	got := Merge(strong, weak)
	if got.Name != "defaults" {
		t.Fatalf("expected name fallback, got %q", got.Name)
	}
	if got.Count == nil || *got.Count != 5 || got.Count == weak.Count {
		t.Fatalf("expected copied count pointer, got %v", got.Count)
	}
	if got.Tags["env"] != "prod" || got.Tags["team"] != "core" {
		t.Fatalf("expected merged tags, got %#v", got.Tags)
	}
}

func TestMergeZeroInput(t *testing.T) {
	if got := Merge[map[string]any](); got != nil {
		t.Fatalf("expected nil map, got %#v", got)
	}
}

func TestCloneDetachesNestedValues(t *testing.T) {
	type payload struct {
		Items []string
		Seen  map[string]int
		At    time.Time
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	original := payload{
		Items: []string{"A", "B"},
		Seen:  map[string]int{"A": 1},
		At:    at,
	}

	clone := Clone(original)
	clone.Items[0] = "Z"
	clone.Seen["A"] = 9

	if original.Items[0] != "A" || original.Seen["A"] != 1 {
		t.Fatalf("clone shares memory with original: %#v", original)
	}
	if !clone.At.Equal(at) {
		t.Fatalf("expected opaque struct copied, got %v", clone.At)
	}
}

func TestCloneInterfaceAndNil(t *testing.T) {
	var empty []string
	if got := Clone(empty); got != nil {
		t.Fatalf("expected nil slice, got %#v", got)
	}

	var value any = []int{1, 2}
	clone := Clone(value)
	clone.([]int)[0] = 7
	if value.([]int)[0] != 1 {
		t.Fatalf("expected interface payload cloned, got %v", value)
	}
}

type mixedRecord struct {
	Name  string
	Tags  []string
	id    int
	owner *string
}

func TestCloneKeepsUnexportedFields(t *testing.T) {
	owner := "ana"
	original := mixedRecord{Name: "a", Tags: []string{"x"}, id: 42, owner: &owner}
	clone := Clone(original)
	if clone.id != 42 || clone.owner == nil || *clone.owner != "ana" {
		t.Fatalf("unexported fields lost: %+v", clone)
	}
	clone.Tags[0] = "y"
	if original.Tags[0] != "x" {
		t.Fatalf("exported slice shared with original")
	}

	nested := Clone(map[string]mixedRecord{"k": original})
	if nested["k"].id != 42 {
		t.Fatalf("unexported field lost inside map: %+v", nested["k"])
	}
}

package environ

import (
	"context"
	"errors"
	"testing"
)

type listValues struct {
	Locale  string `json:"locale"`
	Columns int    `json:"columns"`
	Theme   struct {
		Mode string `json:"mode"`
	} `json:"theme"`
}

func TestDecodeValuesFromMergedMetadata(t *testing.T) {
	root := NewRoot("app", WithMetadata(map[string]any{
		"locale": "en-GB",
		"theme":  map[string]any{"mode": "light"},
	}))
	list, _ := root.Child("list", WithMetadata(map[string]any{
		"theme": map[string]any{"mode": "dark"},
	}))

	got, err := DecodeValues(list, ValuesDefaults[listValues](map[string]any{"columns": 3, "locale": "en-US"}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Locale != "en-GB" || got.Columns != 3 || got.Theme.Mode != "dark" {
		t.Fatalf("unexpected values %+v", got)
	}
}

func TestDecodeValuesStrictAndValidate(t *testing.T) {
	root := NewRoot("app", WithMetadata(map[string]any{"locale": "en", "unknown": 1}))
	if _, err := DecodeValues(root, StrictValues[listValues]()); err == nil {
		t.Fatalf("expected strict decode to fail")
	}

	invalid := errors.New("columns required")
	_, err := DecodeValues(root, ValuesValidate(func(v *listValues) error {
		if v.Columns == 0 {
			return invalid
		}
		return nil
	}))
	if !errors.Is(err, invalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeValuesOnClosedScope(t *testing.T) {
	root := NewRoot("app")
	_ = root.Close(context.Background())
	if _, err := DecodeValues[listValues](root); !errors.Is(err, ErrScopeClosed) {
		t.Fatalf("expected ErrScopeClosed, got %v", err)
	}
}

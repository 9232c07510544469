package store

import (
	"errors"
	"testing"
)

func TestSources(t *testing.T) {
	st := newTestStore(t)

	add := []Source{
		{ID: "UC2", Name: "zebra", URL: "https://www.youtube.com/@zebra"},
		{ID: "UC1", Name: "Apple", URL: "https://www.youtube.com/@apple"},
		{ID: "UC3", Name: "mango", URL: "https://www.youtube.com/@mango"},
	}
	for _, src := range add {
		if err := st.AddSource(src); err != nil {
			t.Fatalf("AddSource(%s): %v", src.ID, err)
		}
	}

	err := st.AddSource(Source{ID: "UC9", Name: "dup", URL: "https://www.youtube.com/@apple"})
	if !errors.Is(err, ErrSourceExists) {
		t.Errorf("duplicate url: expected ErrSourceExists, got %v", err)
	}
	err = st.AddSource(Source{ID: "UC1", Name: "dup", URL: "https://elsewhere"})
	if !errors.Is(err, ErrSourceExists) {
		t.Errorf("duplicate id: expected ErrSourceExists, got %v", err)
	}

	got, err := st.Sources()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Apple", "mango", "zebra"}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, got[i].Name)
		}
	}

	if err := st.RemoveSource("UC3"); err != nil {
		t.Fatal(err)
	}
	if err := st.RemoveSource("UC3"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound, got %v", err)
	}

	_, ok, err := st.Source("UC3")
	if err != nil || ok {
		t.Errorf("removed source still found: ok=%v err=%v", ok, err)
	}
	src, ok, err := st.Source("UC1")
	if err != nil || !ok || src.Name != "Apple" {
		t.Errorf("Source(UC1) = %+v, %v, %v", src, ok, err)
	}
}

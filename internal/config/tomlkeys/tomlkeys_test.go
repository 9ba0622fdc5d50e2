package tomlkeys

import (
	"testing"
	"time"
)

func TestTableAndDottedKeysAreEquivalent(t *testing.T) {
	cases := []string{
		"[watcher]\ndispatch-queue = 32\n",
		"watcher.dispatch-queue = 32\n",
		"[Watcher]\nDISPATCH_QUEUE = 32\n",
	}
	for _, input := range cases {
		store, err := Decode([]byte(input))
		if err != nil {
			t.Fatalf("decode toml: %v", err)
		}
		value, ok := store.GetInt("watcher.dispatch_queue")
		if !ok || value != 32 {
			t.Fatalf("expected 32 from %q, got %d (%v)", input, value, ok)
		}
	}
}

func TestDurations(t *testing.T) {
	store, err := Decode([]byte("text = \"250ms\"\nmillis = 40\nbad = \"soon\"\n"))
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	if value, ok := store.GetDuration("text"); !ok || value != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v (%v)", value, ok)
	}
	if value, ok := store.GetDuration("millis"); !ok || value != 40*time.Millisecond {
		t.Fatalf("expected 40ms, got %v (%v)", value, ok)
	}
	if _, ok := store.GetDuration("bad"); ok {
		t.Fatal("expected an invalid duration to be rejected")
	}
}

func TestStrings(t *testing.T) {
	store, err := Decode([]byte("list = [\"a\", \"b\"]\ncsv = \"c, d,\"\nmixed = [\"a\", 1]\n"))
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	if values, ok := store.GetStrings("list"); !ok || len(values) != 2 || values[1] != "b" {
		t.Fatalf("unexpected list %v (%v)", values, ok)
	}
	if values, ok := store.GetStrings("csv"); !ok || len(values) != 2 || values[0] != "c" || values[1] != "d" {
		t.Fatalf("unexpected csv %v (%v)", values, ok)
	}
	if _, ok := store.GetStrings("mixed"); ok {
		t.Fatal("expected a mixed array to be rejected")
	}
}

func TestTypePreservation(t *testing.T) {
	store, err := Decode([]byte("flag = true\ncount = 7\nname = \"hello\"\n"))
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	if flag, ok := store.GetBool("flag"); !ok || !flag {
		t.Fatal("expected flag true")
	}
	if _, ok := store.GetString("count"); ok {
		t.Fatal("expected count to not be a string")
	}
	if !store.Has("NAME") || store.Has("missing") {
		t.Fatal("unexpected Has results")
	}
}

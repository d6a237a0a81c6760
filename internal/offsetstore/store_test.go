package offsetstore

import (
	"path/filepath"
	"testing"
)

// stores returns one of each Store implementation for shared behavior tests.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "offsets.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestSetGetDrop(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := store.Get("subject-a"); err != nil || ok {
				t.Fatalf("expected no entry, got ok=%v err=%v", ok, err)
			}

			if err := store.Set("subject-a", 42); err != nil {
				t.Fatalf("set: %v", err)
			}
			offset, ok, err := store.Get("subject-a")
			if err != nil || !ok || offset != 42 {
				t.Fatalf("expected offset 42, got offset=%d ok=%v err=%v", offset, ok, err)
			}

			// Overwrite advances the watermark.
			if err := store.Set("subject-a", 100); err != nil {
				t.Fatalf("set: %v", err)
			}
			offset, _, _ = store.Get("subject-a")
			if offset != 100 {
				t.Fatalf("expected offset 100 after overwrite, got %d", offset)
			}

			if err := store.Drop("subject-a"); err != nil {
				t.Fatalf("drop: %v", err)
			}
			if _, ok, _ := store.Get("subject-a"); ok {
				t.Fatal("expected entry gone after drop")
			}

			// Dropping a missing subject is a no-op.
			if err := store.Drop("missing"); err != nil {
				t.Fatalf("drop missing: %v", err)
			}
		})
	}
}

func TestPruneKeepsOnlyListedSubjects(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"a", "b", "c"} {
				if err := store.Set(id, 1); err != nil {
					t.Fatalf("set %s: %v", id, err)
				}
			}

			if err := store.Prune([]string{"a", "c"}); err != nil {
				t.Fatalf("prune: %v", err)
			}

			if _, ok, _ := store.Get("a"); !ok {
				t.Fatal("expected a to survive prune")
			}
			if _, ok, _ := store.Get("b"); ok {
				t.Fatal("expected b to be pruned")
			}
			if _, ok, _ := store.Get("c"); !ok {
				t.Fatal("expected c to survive prune")
			}
		})
	}
}

func TestPruneEmptyKeepDropsEverything(t *testing.T) {
	t.Parallel()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Set("a", 1); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := store.Prune(nil); err != nil {
				t.Fatalf("prune: %v", err)
			}
			if _, ok, _ := store.Get("a"); ok {
				t.Fatal("expected all entries pruned")
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "offsets.db")

	store, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Set("subject-a", 77); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	offset, ok, err := reopened.Get("subject-a")
	if err != nil || !ok || offset != 77 {
		t.Fatalf("expected persisted offset 77, got offset=%d ok=%v err=%v", offset, ok, err)
	}
}

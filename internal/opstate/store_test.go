package opstate

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get(t.Context(), "ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	for _, v := range []string{"v1", "v2"} {
		if err := s.Set(ctx, NamespaceEmail, "INBOX", v); err != nil {
			t.Fatalf("Set(%s) error: %v", v, err)
		}
	}

	val, err := s.Get(ctx, NamespaceEmail, "INBOX")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want v2 after upsert", val)
	}
}

func TestUint(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	n, err := s.GetUint(ctx, NamespaceEmail, "INBOX")
	if err != nil || n != 0 {
		t.Fatalf("GetUint(missing) = %d, %v; want 0, nil", n, err)
	}
	if err := s.SetUint(ctx, NamespaceEmail, "INBOX", 4217); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.GetUint(ctx, NamespaceEmail, "INBOX"); n != 4217 {
		t.Errorf("GetUint() = %d, want 4217", n)
	}

	if err := s.Set(ctx, NamespaceEmail, "bad", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetUint(ctx, NamespaceEmail, "bad"); err == nil {
		t.Error("GetUint() on non-numeric value should fail")
	}
}

func TestJSON(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	type entry struct {
		Vector []float64 `json:"vector"`
		Text   string    `json:"text"`
	}

	var got entry
	found, err := s.GetJSON(ctx, NamespaceRetrieval, "a1", &got)
	if err != nil || found {
		t.Fatalf("GetJSON(missing) = %v, %v", found, err)
	}

	want := entry{Vector: []float64{0.5, -0.5}, Text: "prompt: cat"}
	if err := s.SetJSON(ctx, NamespaceRetrieval, "a1", want); err != nil {
		t.Fatal(err)
	}
	found, err = s.GetJSON(ctx, NamespaceRetrieval, "a1", &got)
	if err != nil || !found {
		t.Fatalf("GetJSON() = %v, %v", found, err)
	}
	if got.Text != want.Text || len(got.Vector) != 2 || got.Vector[1] != -0.5 {
		t.Errorf("GetJSON() = %+v, want %+v", got, want)
	}
}

func TestDeleteAndNamespaces(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	for _, kv := range [][3]string{
		{"target", "a", "1"},
		{"target", "b", "2"},
		{"other", "c", "3"},
	} {
		if err := s.Set(ctx, kv[0], kv[1], kv[2]); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Delete(ctx, "target", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "target", "nope"); err != nil {
		t.Errorf("Delete(missing) error: %v", err)
	}

	entries, err := s.List(ctx, "target")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries["b"] != "2" {
		t.Errorf("List(target) = %v", entries)
	}

	if err := s.DeleteNamespace(ctx, "target"); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.List(ctx, "target")
	if entries == nil || len(entries) != 0 {
		t.Errorf("List(target) after DeleteNamespace = %v, want empty map", entries)
	}
	if v, _ := s.Get(ctx, "other", "c"); v != "3" {
		t.Errorf("other/c = %q, want untouched", v)
	}
}

func TestOpen_PersistAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "opstate.db")
	ctx := t.Context()

	s1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(1): %v", err)
	}
	if err := s1.Set(ctx, NamespaceInstance, "id", "persistent"); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(2): %v", err)
	}
	defer s2.Close()

	if v, _ := s2.Get(ctx, NamespaceInstance, "id"); v != "persistent" {
		t.Errorf("Get() = %q after reopen", v)
	}
}

func TestOpen_MissingDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "missing", "nested", "db.sqlite")
	if _, err := Open(dbPath); err == nil {
		t.Error("Open() should fail when the parent directory does not exist")
	}
}

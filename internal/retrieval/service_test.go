package retrieval

import (
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/yak/internal/embeddings"
	"github.com/nugget/yak/internal/opstate"
	"github.com/nugget/yak/internal/storage"
)

type fixture struct {
	assets *storage.Store
	state  *opstate.Store
	embed  *embeddings.Service
	logger *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	assets, err := storage.New(db, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	state, err := opstate.New(db)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	embed, err := embeddings.NewService(embeddings.BackendHash, nil, 128, logger)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{assets: assets, state: state, embed: embed, logger: logger}
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(t.Context(), f.assets, f.embed, f.state, f.logger)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (f *fixture) store(t *testing.T, user, session, prompt string) *storage.Asset {
	t.Helper()
	a, err := f.assets.Store(t.Context(), storage.StoreRequest{
		UserID:    user,
		SessionID: session,
		AssetType: "video",
		Ext:       "mp4",
		Prompt:    prompt,
		Model:     "fal-ai/kling",
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestIndexText(t *testing.T) {
	a := &storage.Asset{Prompt: "a cat", Model: "m", AssetType: "video"}
	if got := IndexText(a); got != "prompt: a cat\nmodel: m\ntype: video" {
		t.Errorf("IndexText() = %q", got)
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	cat := f.store(t, "alice", "s1", "orange cat surfing a wave")
	f.store(t, "alice", "s1", "city skyline at night")
	bobCat := f.store(t, "bob", "s2", "orange cat surfing a wave")

	s := f.service(t)
	n, err := s.Backfill(ctx, 0)
	if err != nil || n != 3 {
		t.Fatalf("Backfill() = %d, %v", n, err)
	}

	results, err := s.Search(ctx, "orange cat surfing a wave", 1, storage.Filter{UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].AssetID != cat.ID {
		t.Fatalf("results = %+v, want alice's cat", results)
	}
	if results[0].Prompt != cat.Prompt || results[0].FilePath != cat.FilePath || results[0].AssetType != "video" {
		t.Errorf("result fields = %+v", results[0])
	}

	all, err := s.Search(ctx, "orange cat", 5, storage.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered results = %d, want 3", len(all))
	}
	found := false
	for _, r := range all {
		if r.AssetID == bobCat.ID {
			found = true
		}
	}
	if !found {
		t.Error("unfiltered search missed bob's asset")
	}
}

func TestSearchByAssetID(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	seed := f.store(t, "alice", "s1", "red fox in snow")
	twin := f.store(t, "alice", "s1", "red fox in snow")
	f.store(t, "alice", "s1", "blue whale")

	s := f.service(t)
	// Only the twin is indexed up front; the seed is indexed on demand.
	if err := s.IndexAsset(ctx, twin); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchByAssetID(ctx, seed.ID, 5, storage.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].AssetID != twin.ID {
		t.Fatalf("results = %+v, want only the twin", results)
	}
	if _, ok := s.index.Vector(seed.ID); !ok {
		t.Error("seed was not indexed on demand")
	}

	none, err := s.SearchByAssetID(ctx, "missing", 5, storage.Filter{})
	if err != nil || len(none) != 0 {
		t.Errorf("unknown id = %v, %v", none, err)
	}
}

func TestIndexPersistsAcrossServices(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	a := f.store(t, "u", "s", "lighthouse storm")
	first := f.service(t)
	if err := first.IndexAsset(ctx, a); err != nil {
		t.Fatal(err)
	}

	second := f.service(t)
	if second.index.Len() != 1 {
		t.Fatalf("reloaded index has %d entries, want 1", second.index.Len())
	}

	if err := second.Forget(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if third := f.service(t); third.index.Len() != 0 {
		t.Errorf("forgotten entry reloaded")
	}
}

func TestIndexQuery(t *testing.T) {
	x := NewIndex()
	x.Upsert("a", []float32{1, 0}, nil)
	x.Upsert("b", []float32{0.7, 0.7}, nil)
	x.Upsert("c", []float32{0, 1}, nil)

	hits := x.Query([]float32{1, 0}, 2)
	if len(hits) != 2 || hits[0].ID != "a" || hits[1].ID != "b" {
		t.Errorf("hits = %+v", hits)
	}
	if got := x.Query([]float32{1, 0}, 0); len(got) != 1 {
		t.Errorf("k=0 returned %d hits, want 1", len(got))
	}
	if got := NewIndex().Query([]float32{1}, 3); len(got) != 0 {
		t.Errorf("empty index returned %v", got)
	}
}

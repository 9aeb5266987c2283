package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sindri-dev/sindri/pkg/manifest"
	"github.com/sindri-dev/sindri/pkg/telemetry"
)

const testIndex = `
version: "1.0"
extensions:
  git:
    category: base
    description: Git version control
    protected: true
  python:
    category: language
    description: Python toolchain
    dependencies: [mise-config]
  jvm:
    category: language
    description: JVM toolchain
    dependencies: [mise-config, sdkman]
    conflicts: [graalvm]
  mise-config:
    category: base
    description: Shared mise configuration
future_field: ignored
`

const testMatrix = `
schema_version: "1.0"
cli_versions:
  "3.0.x":
    extension_schema: "1.0"
    compatible_extensions:
      git: "^1.0.0"
      python: "^1.0.0"
    breaking_changes:
      - "extension schema v1 required"
`

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func parseTestRegistry(t *testing.T) *Registry {
	t.Helper()
	idx, err := ParseIndex([]byte(testIndex))
	if err != nil {
		t.Fatalf("ParseIndex failed: %v", err)
	}
	m, err := ParseMatrix([]byte(testMatrix))
	if err != nil {
		t.Fatalf("ParseMatrix failed: %v", err)
	}
	return NewRegistry(idx, m)
}

func TestRegistryLookups(t *testing.T) {
	reg := parseTestRegistry(t)

	if !reg.HasExtension("git") {
		t.Error("Expected git to exist")
	}
	if reg.HasExtension("ruby") {
		t.Error("Did not expect ruby to exist")
	}

	entry, err := reg.GetEntry("jvm")
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if len(entry.Dependencies) != 2 {
		t.Errorf("Expected 2 dependencies, got %v", entry.Dependencies)
	}

	_, err = reg.GetEntry("ruby")
	var missing *EntryMissingError
	if !errors.As(err, &missing) || missing.Name != "ruby" {
		t.Errorf("Expected EntryMissingError for ruby, got %v", err)
	}

	if !reg.IsProtected("git") {
		t.Error("Expected git to be protected")
	}
	if reg.IsProtected("python") {
		t.Error("Did not expect python to be protected")
	}
}

func TestRegistryListAndSearch(t *testing.T) {
	reg := parseTestRegistry(t)

	all := reg.List("")
	if len(all) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name > all[i].Name {
			t.Errorf("List not sorted: %s > %s", all[i-1].Name, all[i].Name)
		}
	}

	languages := reg.List(manifest.CategoryLanguage)
	if len(languages) != 2 {
		t.Errorf("Expected 2 language entries, got %d", len(languages))
	}

	hits := reg.Search("toolchain")
	if len(hits) != 2 {
		t.Errorf("Expected 2 search hits for 'toolchain', got %d", len(hits))
	}
	hits = reg.Search("GIT")
	if len(hits) != 1 || hits[0].Name != "git" {
		t.Errorf("Expected case-insensitive match on git, got %v", hits)
	}
}

func TestMatrixCompatibleRange(t *testing.T) {
	m, err := ParseMatrix([]byte(testMatrix))
	if err != nil {
		t.Fatalf("ParseMatrix failed: %v", err)
	}

	rng, err := m.GetCompatibleRange("3.0.4", "git")
	if err != nil {
		t.Fatalf("GetCompatibleRange failed: %v", err)
	}
	if rng != "^1.0.0" {
		t.Errorf("Expected ^1.0.0, got %s", rng)
	}

	if _, err := m.GetCompatibleRange("4.0.0", "git"); err == nil {
		t.Error("Expected error for unknown cli version line")
	}
	if _, err := m.GetCompatibleRange("3.0.4", "ruby"); err == nil {
		t.Error("Expected error for extension without a range")
	}
	if _, err := m.GetCompatibleRange("abc", "git"); err == nil {
		t.Error("Expected error for invalid cli version")
	}

	changes := m.BreakingChangesFor("3.0.9")
	if len(changes) != 1 {
		t.Errorf("Expected 1 breaking change note, got %d", len(changes))
	}
}

func TestVersionPattern(t *testing.T) {
	pattern, err := VersionPattern("3.1.7")
	if err != nil {
		t.Fatalf("VersionPattern failed: %v", err)
	}
	if pattern != "3.1.x" {
		t.Errorf("Expected 3.1.x, got %s", pattern)
	}
}

func newTestServer(t *testing.T, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		switch r.URL.Path {
		case "/main/index.yaml":
			w.Write([]byte(testIndex))
		case "/main/compatibility.yaml":
			w.Write([]byte(testMatrix))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestLoaderFetchAndCache(t *testing.T) {
	var fetches atomic.Int64
	srv := newTestServer(t, &fetches)
	defer srv.Close()

	loader := NewLoader(t.TempDir(), srv.URL, testLogger(t))

	reg, err := loader.Load(context.Background(), "main")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reg.Stale {
		t.Error("Fresh load should not be stale")
	}
	if !reg.HasExtension("python") {
		t.Error("Expected python in loaded registry")
	}
	if fetches.Load() != 2 {
		t.Errorf("Expected 2 fetches, got %d", fetches.Load())
	}

	// Second load within the positive TTL comes from cache.
	if _, err := loader.Load(context.Background(), "main"); err != nil {
		t.Fatalf("Cached load failed: %v", err)
	}
	if fetches.Load() != 2 {
		t.Errorf("Expected no additional fetches, got %d", fetches.Load())
	}
}

func TestLoaderServesStaleOnNetworkFailure(t *testing.T) {
	var fetches atomic.Int64
	srv := newTestServer(t, &fetches)

	cacheDir := t.TempDir()
	loader := NewLoader(cacheDir, srv.URL, testLogger(t))
	if _, err := loader.Load(context.Background(), "main"); err != nil {
		t.Fatalf("Initial load failed: %v", err)
	}

	// Kill the server and expire the cache.
	srv.Close()
	loader.SetTTLs(0, 0)

	reg, err := loader.Load(context.Background(), "main")
	if err != nil {
		t.Fatalf("Expected stale cache to be served, got %v", err)
	}
	if !reg.Stale {
		t.Error("Expected snapshot to be flagged stale")
	}
	if !reg.HasExtension("git") {
		t.Error("Stale snapshot should still carry entries")
	}
}

func TestLoaderRefetchesWhenCachePayloadMissing(t *testing.T) {
	const etag = `"v1"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		switch r.URL.Path {
		case "/main/index.yaml":
			w.Write([]byte(testIndex))
		case "/main/compatibility.yaml":
			w.Write([]byte(testMatrix))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	loader := NewLoader(cacheDir, srv.URL, testLogger(t))
	if _, err := loader.Load(context.Background(), "main"); err != nil {
		t.Fatalf("Initial load failed: %v", err)
	}

	// The cached payloads disappear but the metadata with its ETag
	// survives. An expired cache must refetch in full; revalidating
	// would get a 304 with nothing left to serve.
	for _, file := range []string{"main-index.yaml", "main-compatibility.yaml"} {
		if err := os.Remove(filepath.Join(cacheDir, file)); err != nil {
			t.Fatal(err)
		}
	}
	loader.SetTTLs(0, 0)

	reg, err := loader.Load(context.Background(), "main")
	if err != nil {
		t.Fatalf("Load after cache loss failed: %v", err)
	}
	if reg.Stale {
		t.Error("Refetched snapshot should not be stale")
	}
	if !reg.HasExtension("python") {
		t.Error("Expected refetched registry to carry entries")
	}
}

func TestLoaderUnavailableWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	loader := NewLoader(t.TempDir(), srv.URL, testLogger(t))
	_, err := loader.Load(context.Background(), "main")
	if !errors.Is(err, ErrRegistryUnavailable) {
		t.Errorf("Expected ErrRegistryUnavailable, got %v", err)
	}
}

func TestLoaderNegativeTTLSuppressesRetry(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	loader := NewLoader(t.TempDir(), srv.URL, testLogger(t))
	loader.SetTTLs(PositiveTTL, time.Hour)

	if _, err := loader.Load(context.Background(), "main"); !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("Expected ErrRegistryUnavailable, got %v", err)
	}
	first := fetches.Load()

	// The failure is remembered; no new network attempt within the
	// negative TTL.
	if _, err := loader.Load(context.Background(), "main"); !errors.Is(err, ErrRegistryUnavailable) {
		t.Fatalf("Expected ErrRegistryUnavailable, got %v", err)
	}
	if fetches.Load() != first {
		t.Errorf("Expected no retry within negative TTL: %d -> %d", first, fetches.Load())
	}
}

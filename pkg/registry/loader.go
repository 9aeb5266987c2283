package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sindri-dev/sindri/pkg/telemetry"
)

const (
	// PositiveTTL is how long a fetched artefact is trusted.
	PositiveTTL = 10 * time.Minute

	// NegativeTTL is how long a fetch failure suppresses retries.
	NegativeTTL = 60 * time.Second

	indexFile  = "index.yaml"
	matrixFile = "compatibility.yaml"
)

// ErrRegistryUnavailable is returned when neither cache nor network can
// produce a registry snapshot.
var ErrRegistryUnavailable = errors.New("registry unavailable: no cache and no network")

// Loader fetches registry artefacts with a TTL cache keyed by branch
// and ETag. A stale cache is preferred over a network failure.
type Loader struct {
	cacheDir string
	baseURL  string
	client   *http.Client
	logger   *telemetry.Logger

	positiveTTL time.Duration
	negativeTTL time.Duration
	now         func() time.Time
}

// NewLoader creates a loader caching under cacheDir. baseURL is the
// artefact root; artefacts are fetched from <baseURL>/<branch>/<file>.
func NewLoader(cacheDir, baseURL string, logger *telemetry.Logger) *Loader {
	return &Loader{
		cacheDir:    cacheDir,
		baseURL:     baseURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger.NewComponentLogger("registry"),
		positiveTTL: PositiveTTL,
		negativeTTL: NegativeTTL,
		now:         time.Now,
	}
}

// SetTTLs overrides the cache TTLs.
func (l *Loader) SetTTLs(positive, negative time.Duration) {
	l.positiveTTL = positive
	l.negativeTTL = negative
}

// Load returns a registry snapshot for the branch.
func (l *Loader) Load(ctx context.Context, branch string) (*Registry, error) {
	idxData, idxStale, err := l.fetchArtifact(ctx, branch, indexFile)
	if err != nil {
		return nil, err
	}
	matData, matStale, err := l.fetchArtifact(ctx, branch, matrixFile)
	if err != nil {
		return nil, err
	}

	index, err := ParseIndex(idxData)
	if err != nil {
		return nil, err
	}
	matrix, err := ParseMatrix(matData)
	if err != nil {
		return nil, err
	}

	reg := NewRegistry(index, matrix)
	reg.Stale = idxStale || matStale
	if reg.Stale {
		l.logger.WithField("branch", branch).
			Warn("serving stale registry cache after fetch failure")
	}
	return reg, nil
}

type cacheMeta struct {
	ETag        string    `json:"etag,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// fetchArtifact returns the artefact bytes and whether they were served
// stale.
func (l *Loader) fetchArtifact(ctx context.Context, branch, file string) ([]byte, bool, error) {
	cachePath := filepath.Join(l.cacheDir, fmt.Sprintf("%s-%s", branch, file))
	metaPath := cachePath + ".meta"

	meta := l.readMeta(metaPath)
	cached, cacheErr := os.ReadFile(cachePath)
	haveCache := cacheErr == nil

	nowTime := l.now()
	if haveCache && nowTime.Sub(meta.FetchedAt) < l.positiveTTL {
		return cached, false, nil
	}
	if !haveCache {
		// Without the payload a 304 would leave nothing to serve, so
		// force a full refetch.
		meta.ETag = ""
	}
	if !meta.LastFailure.IsZero() && nowTime.Sub(meta.LastFailure) < l.negativeTTL {
		if haveCache {
			return cached, true, nil
		}
		return nil, false, ErrRegistryUnavailable
	}

	data, notModified, err := l.fetchRemote(ctx, branch, file, &meta)
	if err != nil {
		meta.LastFailure = nowTime
		l.writeMeta(metaPath, meta)
		if haveCache {
			l.logger.WithError(err).WithField("artifact", file).
				Warn("registry fetch failed, serving stale cache")
			return cached, true, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	meta.FetchedAt = nowTime
	meta.LastFailure = time.Time{}
	if notModified {
		l.writeMeta(metaPath, meta)
		return cached, false, nil
	}

	if err := os.MkdirAll(l.cacheDir, 0755); err != nil {
		return nil, false, fmt.Errorf("creating cache directory: %w", err)
	}
	if err := os.WriteFile(cachePath, data, 0644); err != nil {
		return nil, false, fmt.Errorf("writing registry cache: %w", err)
	}
	l.writeMeta(metaPath, meta)
	return data, false, nil
}

func (l *Loader) fetchRemote(ctx context.Context, branch, file string, meta *cacheMeta) ([]byte, bool, error) {
	url := fmt.Sprintf("%s/%s/%s", l.baseURL, branch, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, true, nil
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, err
		}
		meta.ETag = resp.Header.Get("ETag")
		return data, false, nil
	default:
		return nil, false, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}
}

func (l *Loader) readMeta(path string) cacheMeta {
	var meta cacheMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}
	}
	return meta
}

func (l *Loader) writeMeta(path string, meta cacheMeta) {
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		l.logger.WithError(err).Warn("failed to write cache metadata")
	}
}

package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TagSource lists the published release tags of an extension repository.
type TagSource interface {
	ListTags(ctx context.Context, repo string) ([]string, error)
}

// GitHubSource lists release tags through the GitHub releases API.
type GitHubSource struct {
	BaseURL string
	Client  *http.Client
}

// NewGitHubSource creates a tag source against api.github.com.
func NewGitHubSource() *GitHubSource {
	return &GitHubSource{
		BaseURL: "https://api.github.com",
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ListTags returns the tag names of all releases in the repository,
// newest first as reported by the API.
func (s *GitHubSource) ListTags(ctx context.Context, repo string) ([]string, error) {
	url := fmt.Sprintf("%s/repos/%s/releases?per_page=100", s.BaseURL, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing releases for %s: %w", repo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing releases for %s: unexpected status %d", repo, resp.StatusCode)
	}

	var releases []struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("decoding releases for %s: %w", repo, err)
	}

	tags := make([]string, 0, len(releases))
	for _, r := range releases {
		tags = append(tags, r.TagName)
	}
	return tags, nil
}

// DownloadURL builds the release asset URL for an extension payload.
func DownloadURL(repo, name, version string) string {
	return fmt.Sprintf("https://github.com/%s/releases/download/%s@%s/%s-%s.tar.gz",
		repo, name, version, name, version)
}

package system

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubFetcher resolves release artifacts against the GitHub releases API
// and downloads them. Transient HTTP failures are retried by the client;
// a missing repository, tag, or matching asset is ErrReleaseNotFound.
type GitHubFetcher struct {
	Logger *slog.Logger

	// APIBase overrides the GitHub API endpoint, for tests.
	APIBase string
	// Arch overrides the architecture used for asset selection.
	Arch string

	client *http.Client
}

var _ ReleaseFetcher = (*GitHubFetcher)(nil)

// NewGitHubFetcher builds a fetcher with a retrying HTTP client.
func NewGitHubFetcher(logger *slog.Logger) *GitHubFetcher {
	retrying := retryablehttp.NewClient()
	retrying.RetryMax = 3
	retrying.Logger = nil

	return &GitHubFetcher{
		Logger: logger,
		client: retrying.StandardClient(),
	}
}

type releaseAsset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

type release struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

func (f *GitHubFetcher) Resolve(ctx context.Context, repoRef, tag string) (string, error) {
	apiBase := f.APIBase
	if apiBase == "" {
		apiBase = defaultGitHubAPI
	}

	url := fmt.Sprintf("%s/repos/%s/releases/latest", apiBase, repoRef)
	if tag != "" && tag != "latest" {
		url = fmt.Sprintf("%s/repos/%s/releases/tags/%s", apiBase, repoRef, tag)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%s@%s: %w", repoRef, tagOrLatest(tag), ErrReleaseNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("query %s: unexpected status %s", url, resp.Status)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return "", fmt.Errorf("decode release: %w", err)
	}

	asset, ok := selectAsset(rel.Assets, f.arch())
	if !ok {
		return "", fmt.Errorf("%s@%s: no asset for %s: %w", repoRef, rel.TagName, f.arch(), ErrReleaseNotFound)
	}

	f.logger().Debug("resolved release asset", "repo", repoRef, "tag", rel.TagName, "asset", asset.Name)
	return asset.DownloadURL, nil
}

func (f *GitHubFetcher) Download(ctx context.Context, url, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	name := path.Base(url)
	if name == "" || name == "." || name == "/" {
		name = "artifact"
	}
	destPath := filepath.Join(destDir, name)

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", destPath, err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		_ = os.Remove(destPath)
		return "", fmt.Errorf("save %s: %w", destPath, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(destPath)
		return "", fmt.Errorf("finalize %s: %w", destPath, err)
	}

	f.logger().Debug("downloaded artifact", "url", url, "path", destPath)
	return destPath, nil
}

// selectAsset picks the Debian package built for the given architecture.
func selectAsset(assets []releaseAsset, arch string) (releaseAsset, bool) {
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if strings.HasSuffix(name, ".deb") && strings.Contains(name, arch) {
			return asset, true
		}
	}
	return releaseAsset{}, false
}

func (f *GitHubFetcher) arch() string {
	if f.Arch != "" {
		return f.Arch
	}
	return runtime.GOARCH
}

func (f *GitHubFetcher) httpClient() *http.Client {
	if f.client != nil {
		return f.client
	}
	return http.DefaultClient
}

func (f *GitHubFetcher) logger() *slog.Logger {
	if f != nil && f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func tagOrLatest(tag string) string {
	if tag == "" {
		return "latest"
	}
	return tag
}

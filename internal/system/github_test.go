package system

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newReleaseServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var server *httptest.Server

	mux.HandleFunc("/repos/cirruslabs/tart-guest-agent/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"tag_name": "v0.5.0",
			"assets": [
				{"name": "tart-guest-agent_0.5.0_arm64.deb", "browser_download_url": "%[1]s/dl/arm64.deb"},
				{"name": "tart-guest-agent_0.5.0_amd64.deb", "browser_download_url": "%[1]s/dl/amd64.deb"},
				{"name": "checksums.txt", "browser_download_url": "%[1]s/dl/checksums.txt"}
			]
		}`, server.URL)
	})
	mux.HandleFunc("/repos/cirruslabs/tart-guest-agent/releases/tags/v0.4.0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"tag_name": "v0.4.0",
			"assets": [
				{"name": "tart-guest-agent_0.4.0_amd64.deb", "browser_download_url": "%s/dl/old-amd64.deb"}
			]
		}`, server.URL)
	})
	mux.HandleFunc("/dl/amd64.deb", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "deb-payload")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestFetcher(server *httptest.Server) *GitHubFetcher {
	return &GitHubFetcher{
		APIBase: server.URL,
		Arch:    "amd64",
		client:  server.Client(),
	}
}

func TestResolveLatestPicksArchDeb(t *testing.T) {
	server := newReleaseServer(t)
	fetcher := newTestFetcher(server)

	url, err := fetcher.Resolve(context.Background(), "cirruslabs/tart-guest-agent", "latest")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if url != server.URL+"/dl/amd64.deb" {
		t.Fatalf("asset url = %q", url)
	}
}

func TestResolveExplicitTag(t *testing.T) {
	server := newReleaseServer(t)
	fetcher := newTestFetcher(server)

	url, err := fetcher.Resolve(context.Background(), "cirruslabs/tart-guest-agent", "v0.4.0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if url != server.URL+"/dl/old-amd64.deb" {
		t.Fatalf("asset url = %q", url)
	}
}

func TestResolveUnknownTagIsNotFound(t *testing.T) {
	server := newReleaseServer(t)
	fetcher := newTestFetcher(server)

	_, err := fetcher.Resolve(context.Background(), "cirruslabs/tart-guest-agent", "v9.9.9")
	if !errors.Is(err, ErrReleaseNotFound) {
		t.Fatalf("expected ErrReleaseNotFound, got %v", err)
	}
}

func TestResolveUnknownRepoIsNotFound(t *testing.T) {
	server := newReleaseServer(t)
	fetcher := newTestFetcher(server)

	_, err := fetcher.Resolve(context.Background(), "nobody/nothing", "latest")
	if !errors.Is(err, ErrReleaseNotFound) {
		t.Fatalf("expected ErrReleaseNotFound, got %v", err)
	}
}

func TestResolveMissingArchAssetIsNotFound(t *testing.T) {
	server := newReleaseServer(t)
	fetcher := newTestFetcher(server)
	fetcher.Arch = "riscv64"

	_, err := fetcher.Resolve(context.Background(), "cirruslabs/tart-guest-agent", "latest")
	if !errors.Is(err, ErrReleaseNotFound) {
		t.Fatalf("expected ErrReleaseNotFound, got %v", err)
	}
}

func TestDownloadWritesArtifact(t *testing.T) {
	server := newReleaseServer(t)
	fetcher := newTestFetcher(server)
	destDir := t.TempDir()

	path, err := fetcher.Download(context.Background(), server.URL+"/dl/amd64.deb", destDir)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if filepath.Dir(path) != destDir {
		t.Fatalf("artifact placed at %q", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "deb-payload" {
		t.Fatalf("artifact content = %q", data)
	}
}

func TestDownloadBadStatusFails(t *testing.T) {
	server := newReleaseServer(t)
	fetcher := newTestFetcher(server)

	if _, err := fetcher.Download(context.Background(), server.URL+"/dl/missing.deb", t.TempDir()); err == nil {
		t.Fatal("expected download error")
	}
}

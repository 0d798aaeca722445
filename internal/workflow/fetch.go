package workflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vk/gantry/internal/ctxlog"
)

// Loader reads workflow definitions from local paths and remote URLs.
// GitHub and GitLab browser ("blob") URLs are rewritten to their raw
// counterparts before fetching.
type Loader struct {
	// Token authenticates remote fetches: sent as a bearer token to GitHub
	// hosts and as PRIVATE-TOKEN to GitLab hosts.
	Token string

	// Client defaults to an http.Client with a 30s timeout.
	Client *http.Client
}

var (
	githubBlobPattern = regexp.MustCompile(`^(https?://github\.com)/([^/]+/[^/]+)/blob/([^/]+)/(.+)$`)
	gitlabBlobPattern = regexp.MustCompile(`^(https?://[^/]+)/(.+?)/-/blob/([^/]+)/(.+)$`)
)

// ParseSources splits a comma/whitespace separated source list.
func ParseSources(raw string) []string {
	parts := regexp.MustCompile(`[,\s]+`).Split(strings.TrimSpace(raw), -1)
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load fetches every source and parses each document it yields. A source
// may be a local file, a directory of workflow files, or a remote URL.
func (l *Loader) Load(ctx context.Context, sources ...string) ([]*Workflow, error) {
	logger := ctxlog.FromContext(ctx)
	var out []*Workflow
	for _, src := range sources {
		logger.Debug("Loading workflow source.", "source", src)
		wfs, err := l.loadOne(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", src, err)
		}
		out = append(out, wfs...)
	}
	if len(out) == 0 {
		return nil, &ParseError{Msg: "no workflow documents found"}
	}
	return out, nil
}

func (l *Loader) loadOne(ctx context.Context, source string) ([]*Workflow, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		body, err := l.fetchRemote(ctx, source)
		if err != nil {
			return nil, err
		}
		return parseByExtension(source, body)
	}

	info, err := os.Stat(source)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		body, err := os.ReadFile(source)
		if err != nil {
			return nil, err
		}
		return parseByExtension(source, body)
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yml", ".yaml", ".hcl":
			files = append(files, filepath.Join(source, entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no workflow files in directory %s", source)
	}
	var out []*Workflow
	for _, file := range files {
		wfs, err := l.loadOne(ctx, file)
		if err != nil {
			return nil, err
		}
		out = append(out, wfs...)
	}
	return out, nil
}

func parseByExtension(name string, body []byte) ([]*Workflow, error) {
	if filepath.Ext(strippedURLPath(name)) == ".hcl" {
		wf, err := ParseHCL(name, body)
		if err != nil {
			return nil, err
		}
		return []*Workflow{wf}, nil
	}
	return ParseAll(body)
}

func strippedURLPath(name string) string {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		return u.Path
	}
	return name
}

func (l *Loader) fetchRemote(ctx context.Context, rawURL string) ([]byte, error) {
	target := rewriteBlobURL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if l.Token != "" {
		if isGitLabURL(target) {
			req.Header.Set("PRIVATE-TOKEN", l.Token)
		} else {
			req.Header.Set("Authorization", "Bearer "+l.Token)
			req.Header.Set("Accept", "application/vnd.github.raw+json")
		}
	}

	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: HTTP %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// rewriteBlobURL converts browser blob URLs into raw-content URLs. URLs
// that are already raw pass through unchanged.
func rewriteBlobURL(rawURL string) string {
	if m := githubBlobPattern.FindStringSubmatch(rawURL); m != nil {
		return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s", m[2], m[3], m[4])
	}
	if m := gitlabBlobPattern.FindStringSubmatch(rawURL); m != nil {
		return fmt.Sprintf("%s/api/v4/projects/%s/repository/files/%s/raw?ref=%s",
			m[1], url.PathEscape(m[2]), url.PathEscape(m[4]), m[3])
	}
	return rawURL
}

func isGitLabURL(rawURL string) bool {
	return strings.Contains(rawURL, "/-/raw/") || strings.Contains(rawURL, "/api/v4/projects/")
}

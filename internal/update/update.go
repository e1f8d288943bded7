// Package update checks GitHub releases for a newer CLI version. The
// check is best-effort: failures are logged at debug level and never
// surface to the user.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	releasesURL    = "https://api.github.com/repos/hooklistener/hooklistener-cli/releases/latest"
	requestTimeout = 5 * time.Second
)

// Checker queries the release feed. The zero value uses the public
// GitHub API.
type Checker struct {
	URL        string
	Version    string // current CLI version
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// LatestRelease returns the newest published version tag, without any
// leading "v".
func (c *Checker) LatestRelease(ctx context.Context) (string, error) {
	reqURL := c.URL
	if reqURL == "" {
		reqURL = releasesURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "hooklistener-cli/"+c.Version)

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("fetch latest release: HTTP %d", resp.StatusCode)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("parse release response: %w", err)
	}
	return strings.TrimPrefix(release.TagName, "v"), nil
}

// Check returns the newer version when one is available and "" otherwise.
// It never returns an error: a version check must not break the CLI.
func (c *Checker) Check(ctx context.Context) string {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	latest, err := c.LatestRelease(ctx)
	if err != nil {
		logger.Debug("version check failed", "error", err)
		return ""
	}
	if IsNewer(latest, c.Version) {
		return latest
	}
	return ""
}

// IsNewer compares dotted numeric versions. Non-numeric segments are
// ignored; missing segments count as zero.
func IsNewer(remote, current string) bool {
	r := parseVersion(remote)
	c := parseVersion(current)
	for len(r) < len(c) {
		r = append(r, 0)
	}
	for len(c) < len(r) {
		c = append(c, 0)
	}
	for i := range r {
		if r[i] != c[i] {
			return r[i] > c[i]
		}
	}
	return false
}

func parseVersion(v string) []int {
	var parts []int
	for _, s := range strings.Split(strings.TrimPrefix(v, "v"), ".") {
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		parts = append(parts, n)
	}
	return parts
}

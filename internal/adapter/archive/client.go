// Package archive discovers and downloads hourly data files from the remote
// NOAA archive, which publishes them behind plain HTML directory indexes.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/couchcryptid/uscrn-ingest/internal/config"
	"github.com/couchcryptid/uscrn-ingest/internal/domain"
	"github.com/couchcryptid/uscrn-ingest/internal/observability"
)

const (
	userAgent      = "uscrn-ingest/0.1"
	requestTimeout = 60 * time.Second

	minArchiveYear = 2000
	maxArchiveYear = 2100
)

// Client lists and downloads archive files over HTTPS.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	allowedHosts map[string]bool
	logger       *slog.Logger
	metrics      *observability.Metrics

	// backoffBase scales the retry schedule; tests shrink it.
	backoffBase time.Duration
}

// NewClient creates an archive client rooted at the configured base URL. The
// base URL's host becomes the allow-list for every subsequent request.
func NewClient(baseURL string, logger *slog.Logger, metrics *observability.Metrics) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q (https required)", ErrDisallowedURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrDisallowedURL)
	}

	return &Client{
		httpClient:   &http.Client{Timeout: requestTimeout},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		allowedHosts: map[string]bool{u.Host: true},
		logger:       logger,
		metrics:      metrics,
		backoffBase:  time.Second,
	}, nil
}

// ListYears discovers which per-year directories the archive offers. Links
// whose target is a bare number in [2000, 2100] are taken as year directories.
func (c *Client) ListYears(ctx context.Context) ([]int, error) {
	body, err := c.withRetry(ctx, "list_years", func() (string, error) {
		return c.get(ctx, c.baseURL+"/")
	})
	if err != nil {
		return nil, fmt.Errorf("list years: %w", err)
	}

	seen := map[int]bool{}
	var years []int
	for _, href := range extractHrefs(body) {
		year, err := strconv.Atoi(strings.TrimSuffix(href, "/"))
		if err != nil || year < minArchiveYear || year > maxArchiveYear || seen[year] {
			continue
		}
		seen[year] = true
		years = append(years, year)
	}
	sort.Ints(years)

	c.logger.Info("discovered archive years", "count", len(years))
	return years, nil
}

// ListFilesForYear lists one year directory, keeping links that follow the
// hourly naming convention and pass the location filter's file-name stage.
func (c *Client) ListFilesForYear(ctx context.Context, year int, filter *config.LocationFilter) ([]domain.FileInfo, error) {
	dirURL := fmt.Sprintf("%s/%d/", c.baseURL, year)

	body, err := c.withRetry(ctx, "list_files", func() (string, error) {
		return c.get(ctx, dirURL)
	})
	if err != nil {
		return nil, fmt.Errorf("list files for %d: %w", year, err)
	}

	var files []domain.FileInfo
	for _, href := range extractHrefs(body) {
		if !domain.MatchesNamingConvention(href) || !filter.MatchesFile(href) {
			continue
		}
		fi, ok := domain.ParseFileName(href)
		if !ok {
			continue
		}
		fi.URL = dirURL + href
		files = append(files, fi)
	}

	c.logger.Info("discovered files", "year", year, "count", len(files))
	return files, nil
}

// Download fetches one file's raw content.
func (c *Client) Download(ctx context.Context, fileURL string) (string, error) {
	c.logger.Debug("downloading file", "url", fileURL)

	body, err := c.withRetry(ctx, "download", func() (string, error) {
		return c.get(ctx, fileURL)
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", fileURL, err)
	}
	return body, nil
}

// checkURL enforces the HTTPS-and-allow-list policy before any network I/O.
func (c *Client) checkURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisallowedURL, err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q (https required)", ErrDisallowedURL, u.Scheme)
	}
	if !c.allowedHosts[u.Host] {
		return fmt.Errorf("%w: host %q not in allow-list", ErrDisallowedURL, u.Host)
	}
	return nil
}

func (c *Client) get(ctx context.Context, rawURL string) (string, error) {
	if err := c.checkURL(rawURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	return string(body), nil
}

// extractHrefs collects every anchor target in an HTML document. html.Parse
// never fails on real-world index pages; a hopeless input just yields no
// anchors.
func extractHrefs(body string) []string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil
	}

	var hrefs []string
	for n := range doc.Descendants() {
		if n.Type != html.ElementNode || n.DataAtom != atom.A {
			continue
		}
		for _, attr := range n.Attr {
			if attr.Key == "href" {
				hrefs = append(hrefs, attr.Val)
			}
		}
	}
	return hrefs
}

// Package hatchery talks to the badge.team app store ("hatchery") to list
// apps ("eggs") and fetch their release archives.
package hatchery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"badgexfer/internal/content"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	DefaultBaseURL = "https://badge.team/"
	// AppsDir is where eggs live on the badge.
	AppsDir = "apps"
	// MaxDownloadSize bounds a release archive.
	MaxDownloadSize = 16 << 20
)

var (
	ErrNoRelease        = errors.New("egg has no release for revision")
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
)

// Revision is an egg revision. The hatchery sends it as a string or a number.
type Revision string

func (r *Revision) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = Revision(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("revision must be a string or number: %w", err)
	}
	*r = Revision(n.String())
	return nil
}

// Egg is one app listed by the hatchery.
type Egg struct {
	Name            string   `json:"name"`
	Slug            string   `json:"slug"`
	Description     string   `json:"description"`
	DownloadCounter int      `json:"download_counter"`
	Status          string   `json:"status"`
	Revision        Revision `json:"revision"`
	SizeOfZip       float64  `json:"size_of_zip"`
	SizeOfContent   float64  `json:"size_of_content"`
	Category        string   `json:"category"`
}

// Category groups the eggs sharing a category name.
type Category struct {
	Name string
	Eggs []Egg
}

type release struct {
	URL string `json:"url"`
}

type eggDetail struct {
	Releases map[string][]release `json:"releases"`
}

// Client is a hatchery HTTP client.
type Client struct {
	BaseURL *url.URL
	HTTP    *http.Client
}

// NewClient creates a client for baseURL. A zero timeout leaves requests
// bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hatchery URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid hatchery URL %q: missing scheme or host", baseURL)
	}
	return &Client{BaseURL: u, HTTP: &http.Client{Timeout: timeout}}, nil
}

// ListEggs fetches the card10 basket and groups it by category. Categories
// and the eggs inside them are sorted by name, ignoring case.
func (c *Client) ListEggs(ctx context.Context) ([]Category, error) {
	body, err := c.get(ctx, c.resolve("basket/card10/list/json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list eggs: %w", err)
	}
	var eggs []Egg
	if err := json.Unmarshal(body, &eggs); err != nil {
		return nil, fmt.Errorf("failed to parse egg list: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ListEggs",
		"count":    len(eggs),
	}).Debug("Fetched egg list")

	return groupByCategory(eggs), nil
}

func groupByCategory(eggs []Egg) []Category {
	title := cases.Title(language.Und)
	byName := make(map[string]*Category)
	var names []string

	for _, egg := range eggs {
		egg.Category = title.String(egg.Category)
		cat, ok := byName[egg.Category]
		if !ok {
			cat = &Category{Name: egg.Category}
			byName[egg.Category] = cat
			names = append(names, egg.Category)
		}
		cat.Eggs = append(cat.Eggs, egg)
	}

	sort.Slice(names, func(i, j int) bool { return strings.ToLower(names[i]) < strings.ToLower(names[j]) })

	categories := make([]Category, 0, len(names))
	for _, name := range names {
		cat := byName[name]
		sort.SliceStable(cat.Eggs, func(i, j int) bool {
			return strings.ToLower(cat.Eggs[i].Name) < strings.ToLower(cat.Eggs[j].Name)
		})
		categories = append(categories, *cat)
	}
	return categories
}

// Find returns the egg with slug from categories.
func Find(categories []Category, slug string) (Egg, bool) {
	for _, cat := range categories {
		for _, egg := range cat.Eggs {
			if egg.Slug == slug {
				return egg, true
			}
		}
	}
	return Egg{}, false
}

// ReleaseURL returns the archive URL of an egg revision.
func (c *Client) ReleaseURL(ctx context.Context, slug string, revision Revision) (string, error) {
	body, err := c.get(ctx, c.resolve("eggs/get/"+url.PathEscape(slug)+"/json"))
	if err != nil {
		return "", fmt.Errorf("failed to fetch egg %s: %w", slug, err)
	}
	var detail eggDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return "", fmt.Errorf("failed to parse egg %s: %w", slug, err)
	}

	files := detail.Releases[string(revision)]
	if len(files) == 0 || files[0].URL == "" {
		return "", fmt.Errorf("%s revision %s: %w", slug, revision, ErrNoRelease)
	}
	return files[0].URL, nil
}

// Download fetches a release archive and unpacks it into items named
// apps/<folder>/<file>.
func (c *Client) Download(ctx context.Context, archiveURL string) ([]content.Item, error) {
	u, err := c.BaseURL.Parse(archiveURL)
	if err != nil {
		return nil, fmt.Errorf("invalid release URL: %w", err)
	}
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to download release: %w", err)
	}

	items, err := content.FromArchive(bytes.NewReader(body), AppsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack release: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Download",
		"url":      u.String(),
		"files":    len(items),
	}).Info("Downloaded release")

	return items, nil
}

// Install resolves the release of egg and downloads it.
func (c *Client) Install(ctx context.Context, egg Egg) ([]content.Item, error) {
	archiveURL, err := c.ReleaseURL(ctx, egg.Slug, egg.Revision)
	if err != nil {
		return nil, err
	}
	return c.Download(ctx, archiveURL)
}

func (c *Client) resolve(ref string) *url.URL {
	return c.BaseURL.ResolveReference(&url.URL{Path: ref})
}

func (c *Client) get(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: %w %d", u.Path, ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxDownloadSize {
		return nil, fmt.Errorf("%s: response larger than %d bytes", u.Path, MaxDownloadSize)
	}
	return body, nil
}

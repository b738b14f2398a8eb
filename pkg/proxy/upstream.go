package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gsmlg-opt/repub-sub002/pkg/apierr"
	"github.com/gsmlg-opt/repub-sub002/pkg/httputil"
)

// UpstreamListing is the version-listing document as the upstream
// repository serves it.
type UpstreamListing struct {
	Name     string            `json:"name"`
	Latest   *UpstreamVersion  `json:"latest"`
	Versions []UpstreamVersion `json:"versions"`
}

// UpstreamVersion is one version object from an upstream listing.
type UpstreamVersion struct {
	Version       string                 `json:"version"`
	ArchiveURL    string                 `json:"archive_url"`
	ArchiveSHA256 string                 `json:"archive_sha256"`
	Pubspec       map[string]interface{} `json:"pubspec"`
	Retracted     bool                   `json:"retracted"`
	Published     string                 `json:"published"`
}

// Client talks to one upstream pub repository.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds an upstream client with a bounded connect timeout and
// an overall request deadline.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost:   8,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// GetListing fetches the version listing for a package. A 404 maps to
// NotFound; 5xx maps to UpstreamUnavailable.
func (c *Client) GetListing(ctx context.Context, pkg string) (*UpstreamListing, error) {
	url := fmt.Sprintf("%s/api/packages/%s", c.baseURL, pkg)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "build upstream request")
	}
	req.Header.Set("Accept", httputil.ContentTypePubV2)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.E(apierr.KindUpstreamUnavailable, err, "fetch upstream listing for %s", pkg)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apierr.New(apierr.KindNotFound, "package %s not found upstream", pkg)
	case resp.StatusCode != http.StatusOK:
		return nil, apierr.New(apierr.KindUpstreamUnavailable,
			"upstream returned %d for %s", resp.StatusCode, pkg)
	}

	var listing UpstreamListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, apierr.E(apierr.KindUpstreamUnavailable, err, "decode upstream listing for %s", pkg)
	}
	return &listing, nil
}

// GetArchive streams an archive from its upstream URL. The caller closes
// the reader.
func (c *Client) GetArchive(ctx context.Context, archiveURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return nil, apierr.E(apierr.KindInternal, err, "build archive request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.E(apierr.KindUpstreamUnavailable, err, "fetch upstream archive")
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, apierr.New(apierr.KindNotFound, "archive not found upstream")
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, apierr.New(apierr.KindUpstreamUnavailable,
			"upstream returned %d for archive", resp.StatusCode)
	}
	return resp.Body, nil
}

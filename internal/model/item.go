package model

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// RawRecord is a single product as delivered by a snapshot source. It
// carries no identity key; keys are derived with CanonicalKey.
type RawRecord struct {
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	Price     string    `json:"price"`
	ImageURLs []string  `json:"image_urls,omitempty"`
	Category  string    `json:"category,omitempty"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// CatalogItem is a product tracked in the store. Key is the identity
// key derived from the canonical product URL; ImageURLs are ordered
// with the primary image first.
type CatalogItem struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	Price     string    `json:"price"`
	ImageURLs []string  `json:"image_urls,omitempty"`
	Category  string    `json:"category,omitempty"`
	ScrapedAt time.Time `json:"scraped_at"`
	// AbsentRuns counts consecutive snapshots the item was missing
	// from. Reset to zero whenever the item is seen again.
	AbsentRuns int `json:"absent_runs"`
}

// ItemState is the minimal per-item view the differ needs.
type ItemState struct {
	Key        string `json:"key"`
	AbsentRuns int    `json:"absent_runs"`
}

// PrimaryImageURL returns the first image URL, or empty if the item
// has no images.
func (c *CatalogItem) PrimaryImageURL() string {
	if len(c.ImageURLs) == 0 {
		return ""
	}
	return c.ImageURLs[0]
}

// CanonicalKey derives the identity key for a product URL. The URL is
// normalized (lowercased scheme and host, fragment and trailing slash
// stripped) so trivially different spellings of the same product page
// map to the same key. The key is a truncated hex SHA-256 of the
// normalized URL.
func CanonicalKey(rawURL string) string {
	canonical := CanonicalURL(rawURL)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}

// CanonicalURL normalizes a product URL without hashing it.
func CanonicalURL(rawURL string) string {
	s := strings.TrimSpace(rawURL)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		// Not parseable as an absolute URL; normalize textually.
		return strings.TrimRight(strings.ToLower(s), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// FromRawRecord builds a CatalogItem from a snapshot record.
func FromRawRecord(r RawRecord) CatalogItem {
	return CatalogItem{
		Key:       CanonicalKey(r.URL),
		URL:       r.URL,
		Name:      r.Name,
		Price:     r.Price,
		ImageURLs: r.ImageURLs,
		Category:  r.Category,
		ScrapedAt: r.ScrapedAt,
	}
}

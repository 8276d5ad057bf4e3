package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FeedManifest is the JSON description of a feed catalog.
type FeedManifest struct {
	// Version of the manifest format. Only version 1 is defined.
	Version int `json:"version"`

	// Items in feed order. The feed wraps around after the last one.
	Items []ManifestItem `json:"items"`
}

// ManifestItem is one entry of a FeedManifest.
type ManifestItem struct {
	ID string `json:"id"`
	// URI is a file:// URI or a plain path to an MP4 file.
	URI string `json:"uri"`
	// DurationMS is an optional duration hint in milliseconds.
	DurationMS int64 `json:"durationMs,omitempty"`
}

// ParseFeedManifest reads and checks a manifest.
func ParseFeedManifest(r io.Reader) (*FeedManifest, error) {
	var m FeedManifest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("could not decode manifest: %w", err)
	}
	if m.Version != 1 {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if len(m.Items) == 0 {
		return nil, ErrEmptyCatalog
	}
	seen := make(map[string]bool, len(m.Items))
	for i, it := range m.Items {
		if it.ID == "" || it.URI == "" {
			return nil, fmt.Errorf("item %d: id and uri are required", i)
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("item %d: duplicate id %q", i, it.ID)
		}
		seen[it.ID] = true
		if it.DurationMS < 0 {
			return nil, fmt.Errorf("item %d: negative durationMs", i)
		}
	}
	return &m, nil
}

// LoadFeedManifest parses the manifest file at path.
func LoadFeedManifest(path string) (*FeedManifest, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open manifest: %w", err)
	}
	defer fh.Close()
	return ParseFeedManifest(fh)
}

// Catalog returns the manifest items as a Catalog.
func (m *FeedManifest) Catalog() StaticCatalog {
	cat := make(StaticCatalog, 0, len(m.Items))
	for _, it := range m.Items {
		cat = append(cat, FeedItem{
			ID:           it.ID,
			SourceURI:    it.URI,
			DurationHint: time.Duration(it.DurationMS) * time.Millisecond,
		})
	}
	return cat
}

// String returns the manifest as indented JSON. URIs longer than 40
// characters keep only their last 40 characters.
func (m *FeedManifest) String() string {
	cp := *m
	cp.Items = make([]ManifestItem, len(m.Items))
	for i, it := range m.Items {
		cp.Items[i] = it
		if len(it.URI) > 40 {
			cp.Items[i].URI = "..." + it.URI[len(it.URI)-40:]
		}
	}
	jsonBytes, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error marshaling manifest: %v", err)
	}
	return string(jsonBytes)
}

// LoadCatalogDir builds a manifest from the .mp4 files in dirPath, in file
// name order. Each file is probed for its duration.
func LoadCatalogDir(dirPath string) (*FeedManifest, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("could not read directory: %w", err)
	}
	absDir, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, err
	}
	m := &FeedManifest{Version: 1}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepath.Ext(entry.Name()) != ".mp4" {
			continue
		}
		filePath := filepath.Join(absDir, entry.Name())
		dur, err := ProbeDuration(filePath)
		if err != nil {
			return nil, fmt.Errorf("could not probe %s: %w", filePath, err)
		}
		m.Items = append(m.Items, ManifestItem{
			ID:         strings.TrimSuffix(entry.Name(), ".mp4"),
			URI:        "file://" + filepath.ToSlash(filePath),
			DurationMS: dur.Milliseconds(),
		})
	}
	if len(m.Items) == 0 {
		return nil, fmt.Errorf("%s: %w", dirPath, ErrEmptyCatalog)
	}
	sort.Slice(m.Items, func(i, j int) bool {
		return m.Items[i].ID < m.Items[j].ID
	})
	return m, nil
}

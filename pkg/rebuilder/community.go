// Copyright 2026 aptguard
//
// Community rebuilder list fetcher: downloads the rebuilderd-community
// README, extracts its fenced TOML block, and parses the array of
// candidate rebuilders it publishes. Supplemental to the core spec — the
// equivalent original_source fetcher had no test-visible Go analogue in
// the teacher, so this follows the upstream Rust parser's shape directly.

package rebuilder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/BurntSushi/toml"
)

const communityListURL = "https://raw.githubusercontent.com/kpcyrd/rebuilderd-community/refs/heads/main/README.md"

// FetchCommunityList downloads and parses the community rebuilder list.
func FetchCommunityList(ctx context.Context, hc *http.Client) ([]Rebuilder, error) {
	if hc == nil {
		hc = NewHTTPClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, communityListURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rebuilder: fetch community list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rebuilder: fetch community list: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rebuilder: read community list body: %w", err)
	}
	return parseCommunityList(string(body))
}

type communityDocument struct {
	Rebuilder []Rebuilder `toml:"rebuilder"`
}

// parseCommunityList extracts the first fenced code block from a Markdown
// document and parses it as a TOML document with a top-level
// [[rebuilder]] array of tables.
func parseCommunityList(text string) ([]Rebuilder, error) {
	lines := strings.Split(text, "\n")

	start, end := -1, -1
	for i, line := range lines {
		if strings.HasPrefix(line, "```") {
			if start == -1 {
				start = i + 1
			} else {
				end = i
				break
			}
		}
	}
	if start == -1 {
		return nil, fmt.Errorf("rebuilder: failed to find start of TOML data")
	}
	if end == -1 {
		return nil, fmt.Errorf("rebuilder: failed to find end of TOML data")
	}

	tomlBlock := strings.Join(lines[start:end], "\n")

	var doc communityDocument
	if _, err := toml.Decode(tomlBlock, &doc); err != nil {
		return nil, fmt.Errorf("rebuilder: parse community TOML block: %w", err)
	}
	return doc.Rebuilder, nil
}

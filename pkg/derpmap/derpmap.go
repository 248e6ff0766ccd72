// Package derpmap fetches and composes the DERP relay map (spec §6): a
// JSON document listing relay regions, fetchable from a configured URL and
// overlayable with a local file (e.g. for a self-hosted relay the fleet-wide
// map doesn't know about).
package derpmap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Node is one relay server within a region.
type Node struct {
	Name      string `json:"name"`
	HostName  string `json:"hostname"`
	IPv4      string `json:"ipv4,omitempty"`
	IPv6      string `json:"ipv6,omitempty"`
	DERPPort  int    `json:"derp_port"`
	STUNPort  int    `json:"stun_port"`
}

// Region is a named DERP relay region with its reachable nodes.
type Region struct {
	RegionID   int    `json:"region_id"`
	RegionCode string `json:"region_code"`
	Nodes      []Node `json:"nodes"`
}

// Map is the full DERP map document (spec §6).
type Map struct {
	Regions []Region `json:"regions"`
}

// ByID returns the region with the given id, if present.
func (m Map) ByID(id int) (Region, bool) {
	for _, r := range m.Regions {
		if r.RegionID == id {
			return r, true
		}
	}
	return Region{}, false
}

// Fetcher retrieves the DERP map from a remote URL and overlays a local
// file's regions on top (local regions win on a RegionID collision).
type Fetcher struct {
	httpClient *http.Client
	url        string
	localFile  string
}

// New creates a Fetcher. Either url or localFile may be empty; when url is
// empty the map is local-file-only (useful for air-gapped deployments or
// tests), and when localFile is empty no overlay is applied.
func New(url, localFile string) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        url,
		localFile:  localFile,
	}
}

// Fetch retrieves the remote map (if configured) and overlays the local
// file (if configured), returning the composed result.
func (f *Fetcher) Fetch(ctx context.Context) (Map, error) {
	var base Map
	if f.url != "" {
		m, err := f.fetchRemote(ctx)
		if err != nil {
			return Map{}, fmt.Errorf("fetching remote DERP map: %w", err)
		}
		base = m
	}

	if f.localFile != "" {
		overlay, err := f.loadLocal()
		if err != nil {
			return Map{}, fmt.Errorf("loading local DERP map overlay: %w", err)
		}
		base = compose(base, overlay)
	}

	return base, nil
}

func (f *Fetcher) fetchRemote(ctx context.Context) (Map, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Map{}, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Map{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Map{}, fmt.Errorf("unexpected status %d fetching DERP map", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Map{}, err
	}

	var m Map
	if err := json.Unmarshal(body, &m); err != nil {
		return Map{}, fmt.Errorf("decoding DERP map: %w", err)
	}
	return m, nil
}

func (f *Fetcher) loadLocal() (Map, error) {
	data, err := os.ReadFile(f.localFile)
	if err != nil {
		return Map{}, err
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return Map{}, fmt.Errorf("decoding local DERP map overlay: %w", err)
	}
	return m, nil
}

// compose merges overlay's regions into base, with overlay regions
// replacing any base region that shares a RegionID.
func compose(base, overlay Map) Map {
	byID := make(map[int]Region, len(base.Regions))
	order := make([]int, 0, len(base.Regions))
	for _, r := range base.Regions {
		byID[r.RegionID] = r
		order = append(order, r.RegionID)
	}
	for _, r := range overlay.Regions {
		if _, exists := byID[r.RegionID]; !exists {
			order = append(order, r.RegionID)
		}
		byID[r.RegionID] = r
	}
	out := Map{Regions: make([]Region, 0, len(order))}
	for _, id := range order {
		out.Regions = append(out.Regions, byID[id])
	}
	return out
}

// Package seed loads discovery output into work items for a fresh run.
package seed

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pricewatch-io/harvester/internal/engine"
)

type seedEntry struct {
	Key        string `json:"key"`
	URL        string `json:"url"`
	SearchTerm string `json:"search_term,omitempty"`
	PageIndex  int    `json:"page_index,omitempty"`
}

// LoadFile reads a JSON seed file produced by the discovery phase and
// returns the work items to register. Duplicate keys keep the first entry.
func LoadFile(path string) ([]engine.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes seed JSON into work items.
func Parse(data []byte) ([]engine.WorkItem, error) {
	var entries []seedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	seen := make(map[string]struct{}, len(entries))
	items := make([]engine.WorkItem, 0, len(entries))
	for i, entry := range entries {
		if entry.Key == "" {
			return nil, fmt.Errorf("seed entry %d: key is required", i)
		}
		if entry.URL == "" {
			return nil, fmt.Errorf("seed entry %q: url is required", entry.Key)
		}
		if _, dup := seen[entry.Key]; dup {
			continue
		}
		seen[entry.Key] = struct{}{}
		items = append(items, engine.WorkItem{
			Key: entry.Key,
			Payload: engine.Payload{
				URL:        entry.URL,
				SearchTerm: entry.SearchTerm,
				PageIndex:  entry.PageIndex,
			},
			Status: engine.ItemPending,
		})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("seed file contains no items")
	}
	return items, nil
}

package citations

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"github.com/danshapiro/paidr/internal/research/errs"
	"github.com/danshapiro/paidr/internal/research/manifest"
)

// Validation modes.
const (
	ModeOffline = "offline"
	ModeOnline  = "online"
)

// ValidateParams configures a validation pass over the url map.
type ValidateParams struct {
	Mode string

	// OfflineFixturesPath names the fixtures file for offline mode; empty
	// defaults to citations/offline-fixtures.json under the run root.
	OfflineFixturesPath string

	// UseSnapshot replays the latest recorded online-fixtures snapshot
	// instead of touching the network.
	UseSnapshot bool

	// Workers bounds the online fetch pool; <=0 means 4.
	Workers int

	Online OnlineOptions
}

// Validate runs the configured validation mode over citations/url-map.json
// and persists the citations stream. Records come back sorted by
// (normalized_url, cid) regardless of completion order.
func Validate(ctx context.Context, runRoot string, foundBy map[string][]string, p ValidateParams) ([]Record, error) {
	urlMap, err := LoadURLMap(runRoot)
	if err != nil {
		return nil, err
	}

	var records []Record
	switch p.Mode {
	case ModeOffline:
		var fixtures *Fixtures
		if p.UseSnapshot {
			fixtures, _, err = LoadSnapshot(runRoot)
		} else {
			path := p.OfflineFixturesPath
			if path == "" {
				path = filepath.Join(runRoot, manifest.OfflineFixturesPath)
			}
			fixtures, err = LoadFixtures(path)
		}
		if err != nil {
			return nil, err
		}
		records = ValidateOffline(urlMap, fixtures, foundBy)
	case ModeOnline:
		records = validateOnlinePool(ctx, urlMap.Items, foundBy, p)
	default:
		return nil, errs.New(errs.InvalidArgs, "unknown validation mode %q", p.Mode)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].NormalizedURL != records[j].NormalizedURL {
			return records[i].NormalizedURL < records[j].NormalizedURL
		}
		return records[i].CID < records[j].CID
	})
	if err := WriteRecords(runRoot, records); err != nil {
		return nil, err
	}
	return records, nil
}

// validateOnlinePool fans URL validation out over a bounded worker pool.
// Each URL's record is independent, so completion order does not matter.
func validateOnlinePool(ctx context.Context, items []URLMapEntry, foundBy map[string][]string, p ValidateParams) []Record {
	workers := p.Workers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(items) {
		workers = len(items)
	}
	records := make([]Record, len(items))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				records[i] = ValidateOnline(ctx, items[i], foundBy[items[i].NormalizedURL], p.Online)
			}
		}()
	}
	for i := range items {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	return records
}

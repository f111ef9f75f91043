// Package fetch retrieves a publisher's current remote file-announcement
// set by querying every configured relay in parallel, merging the results,
// and deduplicating by (pubkey, d-tag): the parameterized-replaceable-record
// rule, keeping the entry with the largest created_at and breaking ties on
// the lexicographically larger id. The fan-out/merge shape mirrors
// internal/dht/gossip.go's query-and-fold-replies pattern.
package fetch

import (
	"context"
	"sync"

	"github.com/duskbeacon/nsite/internal/collector"
	"github.com/duskbeacon/nsite/internal/records"
	"github.com/duskbeacon/nsite/internal/relay"
)

// Result is the outcome of fetching a publisher's remote file set.
type Result struct {
	// Records is the deduplicated set of current file-announcement records,
	// keyed implicitly by their "d" tag (the file's logical path).
	Records []*records.Record
	// Inconclusive is true when every relay failed to answer, meaning the
	// caller cannot trust Records as a complete picture of remote state.
	Inconclusive bool
}

// FetchFileAnnouncements queries every relay in relayURLs for publisher's
// kind-34128 records and returns the merged, deduplicated result.
func FetchFileAnnouncements(ctx context.Context, relayURLs []string, pubKeyHex string, coll *collector.Collector) Result {
	filter := relay.Filter{
		Kinds:   []int{records.KindFileAnnounce},
		Authors: []string{pubKeyHex},
	}

	var (
		mu       sync.Mutex
		all      []*records.Record
		succeeded int
	)
	var wg sync.WaitGroup
	wg.Add(len(relayURLs))
	for _, url := range relayURLs {
		go func(url string) {
			defer wg.Done()
			recs, notices, err := relay.Fetch(ctx, url, filter)
			mu.Lock()
			defer mu.Unlock()
			if coll != nil {
				for _, n := range notices {
					coll.Add(collector.CategoryNotice, url, n)
				}
			}
			if err != nil {
				if coll != nil {
					coll.Add(collector.CategoryError, url, err.Error())
				}
				return
			}
			succeeded++
			all = append(all, recs...)
			if coll != nil {
				coll.Add(collector.CategoryRelayFetch, url, "ok")
			}
		}(url)
	}
	wg.Wait()

	if succeeded == 0 && len(relayURLs) > 0 {
		return Result{Inconclusive: true}
	}

	return Result{Records: dedupeByDTag(all)}
}

// dedupeByDTag keeps, for each distinct (publisher, "d" tag value) pair, the
// record with the largest CreatedAt, breaking ties by the lexicographically
// larger IDHex.
func dedupeByDTag(all []*records.Record) []*records.Record {
	best := make(map[string]*records.Record)
	for _, r := range all {
		d, ok := r.Tag("d")
		if !ok {
			continue
		}
		key := r.PubKeyHex() + "\x00" + d
		cur, exists := best[key]
		if !exists {
			best[key] = r
			continue
		}
		if r.CreatedAt > cur.CreatedAt || (r.CreatedAt == cur.CreatedAt && r.IDHex() > cur.IDHex()) {
			best[key] = r
		}
	}
	out := make([]*records.Record, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}

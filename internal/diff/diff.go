// Package diff implements the pure comparison between a local file set and
// the publisher's remote file-announcement set, producing the set to
// upload, the set already correct, and the set to delete. It touches no
// network or filesystem state; both sides are sorted by path (the way
// internal/dht/table.go orders candidates before ranking them) and then
// walked with a merge, so the comparison runs in O(n+m) instead of the
// O(n*m) a nested lookup would cost.
package diff

import (
	"sort"

	"github.com/duskbeacon/nsite/internal/model"
	"github.com/duskbeacon/nsite/internal/records"
	"github.com/duskbeacon/nsite/internal/walker"
)

// Remote is one entry from the publisher's current remote file set, derived
// from a kind-34128 record's "d" (path) and "x" (hash) tags.
type Remote struct {
	Path   string
	Hash   string
	Record *records.Record
}

// RemoteFromRecords extracts the (path, hash) pairs a fetch.Result carries.
func RemoteFromRecords(recs []*records.Record) []Remote {
	out := make([]Remote, 0, len(recs))
	for _, r := range recs {
		path, ok := r.Tag("d")
		if !ok {
			continue
		}
		hash, ok := r.Tag("x")
		if !ok {
			continue
		}
		out = append(out, Remote{Path: path, Hash: hash, Record: r})
	}
	return out
}

// Compute compares local against remote by (path, hash) and returns the
// three-way split. Both inputs are sorted internally so the algorithm runs
// in O(n+m) time via a merge over lexicographic path order.
func Compute(local []walker.Entry, remote []Remote) model.Diff {
	sort.Slice(local, func(i, j int) bool { return local[i].Path < local[j].Path })
	sort.Slice(remote, func(i, j int) bool { return remote[i].Path < remote[j].Path })

	var d model.Diff
	i, j := 0, 0
	for i < len(local) && j < len(remote) {
		switch {
		case local[i].Path < remote[j].Path:
			d.ToUpload = append(d.ToUpload, toFileEntry(local[i], nil))
			i++
		case local[i].Path > remote[j].Path:
			d.ToDelete = append(d.ToDelete, remoteFileEntry(remote[j]))
			j++
		default:
			if local[i].Hash == remote[j].Hash {
				d.Unchanged = append(d.Unchanged, toFileEntry(local[i], remote[j].Record))
			} else {
				d.ToUpload = append(d.ToUpload, toFileEntry(local[i], remote[j].Record))
			}
			i++
			j++
		}
	}
	for ; i < len(local); i++ {
		d.ToUpload = append(d.ToUpload, toFileEntry(local[i], nil))
	}
	for ; j < len(remote); j++ {
		d.ToDelete = append(d.ToDelete, remoteFileEntry(remote[j]))
	}
	return d
}

func toFileEntry(e walker.Entry, source *records.Record) model.FileEntry {
	return model.FileEntry{
		Path:      e.Path,
		Size:      e.Size,
		Hash:      e.Hash,
		MediaType: e.MediaType,
		Content:   e.Cached,
		Source:    source,
	}
}

func remoteFileEntry(r Remote) model.FileEntry {
	return model.FileEntry{
		Path:   r.Path,
		Hash:   r.Hash,
		Source: r.Record,
	}
}

package courier

import "sort"

// PendingOnly selects the local items the server has not yet
// corroborated: anything uploading, failed, or canceled. Confirmed
// local items are expected to be superseded by the server's own copy.
func PendingOnly(items []FileItem) []FileItem {
	var pending []FileItem

	for _, it := range items {
		if it.Pending() {
			pending = append(pending, it)
		}
	}

	return pending
}

// Merge reconciles the authoritative server listing with locally
// pending items into one canonical, deduplicated, newest-first list.
// Server items are inserted first; a local item with the same id
// replaces the server's entry, so local state always wins for
// overlapping ids. Missing CreatedAt sorts as 0. The merge is
// deterministic and idempotent: re-merging its own output against no
// local items yields the same list.
func Merge(server, local []FileItem) []FileItem {
	index := make(map[string]int, len(server)+len(local))
	merged := make([]FileItem, 0, len(server)+len(local))

	insert := func(it FileItem) {
		if pos, seen := index[it.ID]; seen {
			merged[pos] = it
			return
		}

		index[it.ID] = len(merged)
		merged = append(merged, it)
	}

	for _, it := range server {
		insert(it)
	}

	for _, it := range local {
		insert(it)
	}

	// Newest first; the stable sort keeps insertion order for ties so
	// repeated calls with identical input order agree.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt > merged[j].CreatedAt
	})

	return merged
}

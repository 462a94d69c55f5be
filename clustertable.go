package fatx

import (
	"sort"

	"github.com/dargueta/fatx/pagecache"
)

// clusterTable is the persistent map from FAT clusters to their host storage.
// Entries are 16 bytes, chunked in page-sized table elements; the file length
// is always a multiple of the page size. A decoded-entry cache sits in front
// of it (Partition.clusterCache) so repeat lookups avoid the file entirely.
//
// Any host I/O failure on this path immediately poisons the partition: the
// table and the FAT can no longer be trusted to agree, and the next boot
// rebuilds both from scratch.
type clusterTable struct {
	p     *Partition
	cache *pagecache.Cache
}

func newClusterTable(p *Partition) *clusterTable {
	return &clusterTable{
		p: p,
		cache: pagecache.WrapFile(
			p.tableFile, 0, PageSize, uint(p.tableFileSize/PageSize), true),
	}
}

// entryOffset returns the byte offset of a cluster's slot in the table file.
func entryOffset(cluster ClusterID) uint64 {
	return uint64(cluster) * ClusterDataEntrySize
}

// lookup resolves a cluster to its host storage. Clusters past the end of
// the table file were never allocated and resolve to FreedCluster without
// growing the table or the cache; everything else is decoded, cached and
// returned.
func (t *clusterTable) lookup(cluster ClusterID) (ClusterInfo, Status) {
	if info, ok := t.p.clusterCache[cluster]; ok {
		return info, StatusSuccess
	}

	offset := entryOffset(cluster)
	if offset >= t.p.tableFileSize {
		return FreedCluster{}, StatusSuccess
	}

	raw := make([]byte, ClusterDataEntrySize)
	if err := t.cache.ReadAt(raw, int64(offset)); err != nil {
		t.p.markCorrupted()
		return nil, StatusError
	}
	entry, err := UnpackClusterDataEntry(raw)
	if err != nil {
		t.p.markCorrupted()
		return nil, StatusError
	}

	var info ClusterInfo
	switch ClusterKind(entry.Kind) {
	case ClusterFreed:
		info = FreedCluster{}
	case ClusterFile:
		// The entry points at the file's stored relative path in the
		// partition blob.
		pathBuf := make([]byte, entry.Size)
		if _, err := t.p.meta.ReadAt(pathBuf, int64(entry.Offset)); err != nil {
			t.p.markCorrupted()
			return nil, StatusError
		}
		info = FileCluster{
			ChainIndex:   entry.Info,
			RelativePath: string(pathBuf),
			PathOffset:   entry.Offset,
		}
	case ClusterDirectory:
		info = DirectoryCluster{HostOffset: entry.Offset}
	case ClusterRaw:
		info = RawCluster{HostOffset: entry.Offset}
	default:
		t.p.markCorrupted()
		return nil, StatusCorrupt
	}

	t.p.clusterCache[cluster] = info
	return info, StatusSuccess
}

// grow extends the table file so the given cluster's slot exists, rounding
// the new length up to a whole table element.
func (t *clusterTable) grow(highest ClusterID) Status {
	newSize := alignUpPage(entryOffset(highest) + ClusterDataEntrySize)
	if newSize <= t.p.tableFileSize {
		return StatusSuccess
	}
	if err := t.cache.Resize(uint(newSize / PageSize)); err != nil {
		t.p.markCorrupted()
		return StatusError
	}
	t.p.tableFileSize = newSize
	return StatusSuccess
}

// writeEntry stores one slot. The caller is responsible for flushing.
func (t *clusterTable) writeEntry(cluster ClusterID, entry ClusterDataEntry) error {
	return t.cache.WriteAt(entry.Pack(), int64(entryOffset(cluster)))
}

func (t *clusterTable) flush() error {
	return t.cache.Flush()
}

// updateFileClusters indexes a freshly allocated chain belonging to a single
// file. The file's relative path is appended to the partition blob once and
// every entry points at it; each entry's chain position is its discovery
// offset plus base, so extensions keep the ordinals of the old chain.
func (t *clusterTable) updateFileClusters(chain []chainedCluster, fileTail string, base uint32) Status {
	sorted := make([]chainedCluster, len(chain))
	copy(sorted, chain)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cluster < sorted[j].Cluster
	})

	if status := t.grow(sorted[len(sorted)-1].Cluster); !status.Ok() {
		return status
	}

	// Store the file's relative path at the end of the partition blob.
	relative := HarddiskRelativePath(t.p.num, fileTail)
	pathOffset := t.p.metaFileSize
	if _, err := t.p.meta.WriteAt([]byte(relative), int64(pathOffset)); err != nil {
		t.p.markCorrupted()
		return StatusError
	}

	entry := ClusterDataEntry{
		Kind:   uint16(ClusterFile),
		Size:   uint16(len(relative)),
		Offset: pathOffset,
	}
	for _, link := range sorted {
		entry.Info = link.ChainOffset + base
		if err := t.writeEntry(link.Cluster, entry); err != nil {
			t.p.markCorrupted()
			return StatusError
		}
		delete(t.p.clusterCache, link.Cluster)
	}
	if err := t.flush(); err != nil {
		t.p.markCorrupted()
		return StatusError
	}

	t.p.metaFileSize += uint64(len(relative))
	return StatusSuccess
}

// updateSingle indexes one directory or raw cluster. No path is stored for
// these kinds.
func (t *clusterTable) updateSingle(cluster ClusterID, hostOffset uint64, kind ClusterKind) Status {
	if status := t.grow(cluster); !status.Ok() {
		return status
	}
	entry := ClusterDataEntry{
		Kind:   uint16(kind),
		Offset: hostOffset,
	}
	if err := t.writeEntry(cluster, entry); err != nil {
		t.p.markCorrupted()
		return StatusError
	}
	// Drop any decoded copy so the next lookup sees the new kind.
	delete(t.p.clusterCache, cluster)
	if err := t.flush(); err != nil {
		t.p.markCorrupted()
		return StatusError
	}
	return StatusSuccess
}

// batchFree rewrites the slots of freed clusters and drops them from the
// decoded-entry cache. The table file never shrinks.
func (t *clusterTable) batchFree(clusters []ClusterID) Status {
	sorted := make([]ClusterID, len(clusters))
	copy(sorted, clusters)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, cluster := range sorted {
		if entryOffset(cluster)+ClusterDataEntrySize > t.p.tableFileSize {
			// A cluster the table never indexed has nothing to clear.
			delete(t.p.clusterCache, cluster)
			continue
		}
		if err := t.writeEntry(cluster, ClusterDataEntry{}); err != nil {
			t.p.markCorrupted()
			return StatusError
		}
		delete(t.p.clusterCache, cluster)
	}
	if err := t.flush(); err != nil {
		t.p.markCorrupted()
		return StatusError
	}
	return StatusSuccess
}

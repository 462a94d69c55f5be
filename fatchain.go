package fatx

import "github.com/dargueta/fatx/pagecache"

// fatRegion is the page-cached view of a partition's FAT. All entry reads are
// normalized to 32 bits: FATX16 values at or above the boundary sign-extend,
// so ROOT and EOC compare equal to their FATX32 counterparts. This is the
// only sentinel normalization the engine performs.
type fatRegion struct {
	p     *Partition
	cache *pagecache.Cache
}

func newFATRegion(p *Partition) *fatRegion {
	return &fatRegion{
		p: p,
		cache: pagecache.WrapFile(
			p.meta, MetadataFATOffset, PageSize, uint(p.fatSize/PageSize), false),
	}
}

// entryOffset returns the zero-based FAT byte offset of a cluster's entry.
func (f *fatRegion) entryOffset(cluster ClusterID) int64 {
	return int64(uint64(cluster-1) * f.p.fatEntrySize())
}

// readEntry returns a cluster's normalized FAT entry.
func (f *fatRegion) readEntry(cluster ClusterID) (uint32, error) {
	if f.p.IsFATX16() {
		var raw [2]byte
		if err := f.cache.ReadAt(raw[:], f.entryOffset(cluster)); err != nil {
			return 0, err
		}
		value := uint16(raw[0]) | uint16(raw[1])<<8
		if value < FATX16Boundary {
			return uint32(value), nil
		}
		return uint32(int32(int16(value))), nil
	}

	var raw [4]byte
	if err := f.cache.ReadAt(raw[:], f.entryOffset(cluster)); err != nil {
		return 0, err
	}
	return uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24, nil
}

// writeEntry stores a cluster's FAT entry, truncating to 16 bits on FATX16
// partitions.
func (f *fatRegion) writeEntry(cluster ClusterID, value uint32) error {
	if f.p.IsFATX16() {
		raw := [2]byte{byte(value), byte(value >> 8)}
		return f.cache.WriteAt(raw[:], f.entryOffset(cluster))
	}
	raw := [4]byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}
	return f.cache.WriteAt(raw[:], f.entryOffset(cluster))
}

// totalEntries counts the FAT entries that map to real clusters. The zero
// padding that rounds the FAT up to a page boundary reads as free through
// raw I/O but is never allocated.
func (f *fatRegion) totalEntries() uint64 {
	return f.p.totalClusters
}

////////////////////////////////////////////////////////////////////////////////
// Chain operations

// chainedCluster is one allocation result: the cluster found and its position
// within the chain being built, in discovery order.
type chainedCluster struct {
	Cluster     ClusterID
	ChainOffset uint32
}

// allocateFreeClusters scans the FAT for needed free entries, chains them
// together as it goes, and terminates the new chain with EOC. The scan starts
// at the last allocated cluster and wraps to the beginning of the FAT if the
// end is reached first; the caller's free-cluster check guarantees the wrap
// terminates.
//
// The free-cluster counter is NOT adjusted here; callers decrement it once
// they know the full allocation succeeded.
func (p *Partition) allocateFreeClusters(needed uint64) ([]chainedCluster, Status) {
	if needed == 0 || p.freeClusters < needed {
		return nil, StatusFull
	}

	entries := p.fat.totalEntries()
	start := uint64(p.lastAllocated) - 1
	if p.lastAllocated == 0 || start >= entries {
		start = 0
	}

	found := make([]chainedCluster, 0, needed)
	var prev ClusterID

	scan := func(from, to uint64) (bool, Status) {
		for index := from; index < to; index++ {
			value, err := p.fat.readEntry(ClusterID(index + 1))
			if err != nil {
				p.markCorrupted()
				return false, StatusError
			}
			if value != FATX32ClusterFree {
				continue
			}

			cluster := ClusterID(index + 1)
			found = append(found, chainedCluster{cluster, uint32(len(found))})
			if len(found) > 1 {
				// Chain the previously found cluster to this one.
				if err := p.fat.writeEntry(prev, uint32(cluster)); err != nil {
					p.markCorrupted()
					return false, StatusError
				}
			}
			prev = cluster

			if uint64(len(found)) == needed {
				if err := p.fat.writeEntry(cluster, FATX32ClusterEOC); err != nil {
					p.markCorrupted()
					return false, StatusError
				}
				p.lastAllocated = cluster
				return true, StatusSuccess
			}
		}
		return false, StatusSuccess
	}

	done, status := scan(start, entries)
	if !done && status.Ok() {
		// There may be freed clusters behind the starting offset.
		done, status = scan(0, start)
	}
	if !status.Ok() {
		return nil, status
	}
	if !done {
		p.markCorrupted()
		return nil, StatusError
	}

	if err := p.fat.cache.Flush(); err != nil {
		p.markCorrupted()
		return nil, StatusError
	}
	return found, StatusSuccess
}

// freeChain truncates a chain to keep clusters: the keep-th entry is
// rewritten to EOC and every cluster after it is rewritten to FREE and
// returned for cluster table freeing. keep == 0 frees the whole chain.
// The free-cluster counter is incremented by the number freed.
func (p *Partition) freeChain(first ClusterID, keep uint32) ([]ClusterID, Status) {
	cur := first

	// Move along the chain until we find the position of the new EOC.
	for i := uint32(0); i < keep; i++ {
		next, err := p.fat.readEntry(cur)
		if err != nil {
			if i > 0 {
				p.markCorrupted()
			}
			return nil, StatusError
		}
		if i == keep-1 {
			if err := p.fat.writeEntry(cur, FATX32ClusterEOC); err != nil {
				p.markCorrupted()
				return nil, StatusError
			}
		}
		cur = ClusterID(next)
	}

	// Free the remainder of the chain up to and including the old EOC.
	var freed []ClusterID
	for {
		next, err := p.fat.readEntry(cur)
		if err != nil {
			p.markCorrupted()
			return nil, StatusError
		}
		freed = append(freed, cur)
		if err := p.fat.writeEntry(cur, FATX32ClusterFree); err != nil {
			p.markCorrupted()
			return nil, StatusError
		}
		if next == FATX32ClusterEOC {
			break
		}
		cur = ClusterID(next)
	}

	if err := p.fat.cache.Flush(); err != nil {
		p.markCorrupted()
		return nil, StatusError
	}
	p.freeClusters += uint64(len(freed))
	return freed, StatusSuccess
}

// extendChain walks to the EOC of an existing chain, allocates add more
// clusters, splices them onto the end, and indexes them in the cluster table
// with chain offsets continuing where the old chain left off.
func (p *Partition) extendChain(first ClusterID, add uint64, fileTail string) Status {
	if p.freeClusters < add {
		return StatusFull
	}

	cur := first
	oldCount := uint32(1)
	for i := 0; ; i++ {
		next, err := p.fat.readEntry(cur)
		if err != nil {
			if i > 0 {
				p.markCorrupted()
			}
			return StatusError
		}
		if next == FATX32ClusterEOC {
			break
		}
		oldCount++
		cur = ClusterID(next)
	}

	found, status := p.allocateFreeClusters(add)
	if !status.Ok() {
		return status
	}

	// Replace the old EOC with the first cluster found above.
	if err := p.fat.writeEntry(cur, uint32(found[0].Cluster)); err != nil {
		p.markCorrupted()
		return StatusError
	}
	if err := p.fat.cache.Flush(); err != nil {
		p.markCorrupted()
		return StatusError
	}

	if status := p.table.updateFileClusters(found, fileTail, oldCount); !status.Ok() {
		return status
	}
	// The file's cluster bytes live in a per-file host file; nothing else to
	// write to the partition blob.
	p.freeClusters -= add
	return StatusSuccess
}

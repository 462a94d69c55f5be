package fatx

// Metadata operations: creating, overwriting and deleting dirents, and
// growing a file's chain when a write lands past its end. Every operation
// here relies on the scanner scratch a preceding FindDirent left behind;
// the worker queue serializes the two.

// clustersForSize returns how many clusters a file of the given size
// occupies.
func (p *Partition) clustersForSize(size uint64) uint64 {
	mask := p.clusterSize - 1
	return ((size + mask) &^ mask) >> p.clusterShift
}

// stampTimes fills zero time fields from the engine clock.
func (p *Partition) stampTimes(d *Dirent) {
	now := uint32(p.disk.now() / 1_000_000)
	if d.CreationTime == 0 {
		d.CreationTime = now
	}
	if d.LastWriteTime == 0 {
		d.LastWriteTime = now
	}
	if d.LastAccessTime == 0 {
		d.LastAccessTime = now
	}
}

// CreateDirentForFile writes a new dirent into the slot the preceding failed
// lookup recorded, allocating clusters for the file body and, when the slot
// sits on a cluster boundary, one more cluster to extend the dirent stream.
// fileTail is the path below the partition root; it becomes the stored
// relative path for file clusters.
func (p *Partition) CreateDirentForFile(d *Dirent, fileTail string) Status {
	// Only valid after FindDirent failed with StatusNameNotFound on the
	// final segment, which guarantees the whole stream was scanned and at
	// least the end-of-stream slot was seen.
	if p.lastFreeDirentOffset == 0 {
		return StatusError
	}
	p.stampTimes(d)

	var clustersForFile uint64
	if d.IsDirectory() {
		clustersForFile = 1
	} else {
		clustersForFile = p.clustersForSize(uint64(d.Size))
	}
	var clustersForStream uint64
	if p.lastFreeDirentOnBoundary {
		clustersForStream = 1
	}

	if clustersForFile == 0 && clustersForStream == 0 {
		// Creating an empty file in a stream with a free slot: no allocation
		// at all.
		d.FirstCluster = FATX32ClusterFree
		if _, err := p.meta.WriteAt(d.Pack(), int64(p.lastFreeDirentOffset)); err != nil {
			return StatusError
		}
		return StatusSuccess
	}

	if clustersForFile > 0 {
		if p.freeClusters < clustersForFile+clustersForStream {
			return StatusFull
		}

		// The file and the dirent stream belong to different chains, so
		// their clusters are allocated separately.
		found, status := p.allocateFreeClusters(clustersForFile)
		if !status.Ok() {
			return status
		}
		d.FirstCluster = uint32(found[0].Cluster)
		if _, err := p.meta.WriteAt(d.Pack(), int64(p.lastFreeDirentOffset)); err != nil {
			p.markCorrupted()
			return StatusError
		}

		if d.IsDirectory() {
			if status := p.writeDirectoryCluster(found[0].Cluster); !status.Ok() {
				return status
			}
		} else {
			if status := p.table.updateFileClusters(found, fileTail, 0); !status.Ok() {
				return status
			}
		}

		if clustersForStream > 0 {
			extension, status := p.allocateFreeClusters(1)
			if !status.Ok() {
				return status
			}
			if status := p.extendDirentStream(extension[0].Cluster); !status.Ok() {
				return status
			}
		}

		p.freeClusters -= clustersForFile + clustersForStream
		return StatusSuccess
	}

	// Empty file, but the stream has no free slot left: extend it by one
	// cluster and let the dirent land there.
	if p.freeClusters == 0 {
		return StatusFull
	}
	extension, status := p.allocateFreeClusters(1)
	if !status.Ok() {
		return status
	}
	if status := p.extendDirentStream(extension[0].Cluster); !status.Ok() {
		return status
	}
	d.FirstCluster = FATX32ClusterFree
	if _, err := p.meta.WriteAt(d.Pack(), int64(p.lastFreeDirentOffset)); err != nil {
		p.markCorrupted()
		return StatusError
	}
	p.freeClusters--
	return StatusSuccess
}

// writeDirectoryCluster appends a new directory's 0xFF-filled cluster to the
// partition blob and indexes it.
func (p *Partition) writeDirectoryCluster(cluster ClusterID) Status {
	buffer := make([]byte, p.clusterSize)
	for i := range buffer {
		buffer[i] = DirentEndOfStreamAlt
	}
	if _, err := p.meta.WriteAt(buffer, int64(p.metaFileSize)); err != nil {
		p.markCorrupted()
		return StatusError
	}
	if status := p.table.updateSingle(cluster, p.metaFileSize, ClusterDirectory); !status.Ok() {
		return status
	}
	p.metaFileSize += p.clusterSize
	return StatusSuccess
}

// OverwriteDirentForFile changes a file's size, growing or shrinking its
// chain to match, and rewrites the dirent in place. Directories only get the
// dirent rewrite.
func (p *Partition) OverwriteDirentForFile(d *Dirent, newSize uint32, fileTail string) Status {
	if p.lastFoundDirentOffset == 0 {
		return StatusError
	}

	if !d.IsDirectory() && newSize != d.Size {
		newClusters := p.clustersForSize(uint64(newSize))
		oldClusters := p.clustersForSize(uint64(d.Size))

		switch {
		case newClusters > oldClusters:
			if p.freeClusters < newClusters-oldClusters {
				return StatusFull
			}
			if d.FirstCluster == FATX32ClusterFree {
				found, status := p.allocateFreeClusters(newClusters)
				if !status.Ok() {
					return status
				}
				if status := p.table.updateFileClusters(found, fileTail, 0); !status.Ok() {
					return status
				}
				d.FirstCluster = uint32(found[0].Cluster)
				p.freeClusters -= newClusters
			} else {
				status := p.extendChain(
					ClusterID(d.FirstCluster), newClusters-oldClusters, fileTail)
				if !status.Ok() {
					return status
				}
			}
		case newClusters < oldClusters:
			freed, status := p.freeChain(ClusterID(d.FirstCluster), uint32(newClusters))
			if !status.Ok() {
				return status
			}
			if status := p.table.batchFree(freed); !status.Ok() {
				return status
			}
			if newSize == 0 {
				d.FirstCluster = FATX32ClusterFree
			}
		}
		d.Size = newSize
	} else {
		d.Size = newSize
	}

	if _, err := p.meta.WriteAt(d.Pack(), int64(p.lastFoundDirentOffset)); err != nil {
		p.markCorrupted()
		return StatusError
	}
	return StatusSuccess
}

// DeleteDirentForFile frees a dirent's whole chain and marks the dirent slot
// deleted. The change is in-memory only: the kernel upstream flushes the
// dirent when the last handle closes and prevents re-open races in between.
// Directories must be empty.
func (p *Partition) DeleteDirentForFile(d *Dirent) Status {
	if d.IsDirectory() && d.FirstCluster != FATX32ClusterFree {
		switch status := p.IsDirentStreamEmpty(ClusterID(d.FirstCluster)); status {
		case StatusSuccess:
		case StatusNotEmpty:
			return StatusNotEmpty
		default:
			return status
		}
	}

	if d.FirstCluster != FATX32ClusterFree {
		freed, status := p.freeChain(ClusterID(d.FirstCluster), 0)
		if !status.Ok() {
			return status
		}
		if status := p.table.batchFree(freed); !status.Ok() {
			return status
		}
	}

	d.NameLength = DirentDeleted
	d.FirstCluster = FATX32ClusterFree
	return StatusSuccess
}

// AppendClustersToFile grows a file's chain when a write of size bytes at
// offset lands past the current cluster-aligned end, and bumps the recorded
// size. Writes inside the existing allocation change nothing.
func (p *Partition) AppendClustersToFile(d *Dirent, offset int64, size uint32, fileTail string) Status {
	mask := p.clusterSize - 1
	newSize := uint64(offset) + uint64(size)
	alignedSize := (uint64(d.Size) + mask) &^ mask

	if newSize <= alignedSize {
		return StatusSuccess
	}

	if d.FirstCluster == FATX32ClusterFree {
		// Writing to an empty file for the very first time.
		needed := p.clustersForSize(newSize)
		if p.freeClusters < needed {
			return StatusFull
		}
		found, status := p.allocateFreeClusters(needed)
		if !status.Ok() {
			return status
		}
		d.FirstCluster = uint32(found[0].Cluster)
		if status := p.table.updateFileClusters(found, fileTail, 0); !status.Ok() {
			return status
		}
		p.freeClusters -= needed
	} else {
		needed := (((newSize + mask) &^ mask) - alignedSize) >> p.clusterShift
		status := p.extendChain(ClusterID(d.FirstCluster), needed, fileTail)
		if !status.Ok() {
			return status
		}
	}

	d.Size = uint32(newSize)
	return StatusSuccess
}

// FlushDirent writes a dirent back to its slot in the partition blob. The
// kernel calls this when it closes the last handle to a file whose dirent it
// mutated in memory.
func (p *Partition) FlushDirent(d *Dirent, direntOffset uint64) {
	if _, err := p.meta.WriteAt(d.Pack(), int64(direntOffset)); err != nil {
		p.markCorrupted()
	}
}

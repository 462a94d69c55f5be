package fatx

import (
	"io"
	"os"
)

// Raw partition I/O serves the guest kernel's sector-level view of a
// partition: superblock and FAT reads go straight to the partition file
// (shifted past the host-only user data area), while anything in cluster
// space is resolved cluster by cluster through the cluster table. Partition 0
// has no FATX structure and is always a straight read or write.

// ReadRaw fills buf with partition bytes starting at the guest-relative
// offset.
func (p *Partition) ReadRaw(offset uint64, buf []byte) Status {
	if p.num == 0 || offset < SuperblockSize+p.fatSize {
		actual := offset
		if p.num != 0 {
			actual += UserDataAreaSize
		}
		if _, err := p.meta.ReadAt(buf, int64(actual)); err != nil && err != io.EOF {
			return StatusError
		}
		return StatusSuccess
	}

	mask := p.clusterSize - 1
	cluster := ClusterID(offset >> p.clusterShift)
	intra := offset & mask
	bufOffset := uint64(0)
	bytesLeft := uint64(len(buf))

	for bytesLeft > 0 {
		n := p.clusterSize - intra
		if bytesLeft < n {
			n = bytesLeft
		}
		chunk := buf[bufOffset : bufOffset+n]

		info, status := p.table.lookup(cluster)
		if !status.Ok() {
			return status
		}
		switch stored := info.(type) {
		case FreedCluster:
			for i := range chunk {
				chunk[i] = 0
			}
		case DirectoryCluster:
			if _, err := p.meta.ReadAt(chunk, int64(stored.HostOffset+intra)); err != nil {
				return StatusError
			}
		case RawCluster:
			if _, err := p.meta.ReadAt(chunk, int64(stored.HostOffset+intra)); err != nil {
				return StatusError
			}
		case FileCluster:
			if status := p.readFileCluster(stored, intra, chunk); !status.Ok() {
				return status
			}
		}

		bytesLeft -= n
		bufOffset += n
		intra = 0
		cluster++
	}
	return StatusSuccess
}

// readFileCluster reads from the per-file host file backing a file cluster.
// Reading past the end of the host file zero-fills the remainder; that
// happens when the guest reads the tail cluster of a file whose size is not
// cluster aligned.
func (p *Partition) readFileCluster(stored FileCluster, intra uint64, chunk []byte) Status {
	f, err := os.Open(p.hostFilePath(stored.RelativePath))
	if err != nil {
		return StatusError
	}
	defer f.Close()

	fileOffset := uint64(stored.ChainIndex)<<p.clusterShift + intra
	read, err := f.ReadAt(chunk, int64(fileOffset))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		for i := read; i < len(chunk); i++ {
			chunk[i] = 0
		}
		return StatusSuccess
	}
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// WriteRaw stores buf at the guest-relative offset. On partition 0 a write
// into the partition table range reloads the in-memory table; on FATX
// partitions a write into the superblock range reformats the partition using
// the written bytes as the new superblock template.
func (p *Partition) WriteRaw(offset uint64, buf []byte) Status {
	if p.num == 0 {
		if _, err := p.meta.WriteAt(buf, int64(offset)); err != nil {
			return StatusError
		}
		if offset < PartitionTableSize {
			// The guest rewrote (part of) the partition table. Reload our
			// copy; the homebrew is expected to reformat the partitions it
			// repartitioned itself.
			return p.disk.reloadPartitionTable()
		}
		return StatusSuccess
	}

	mask := p.clusterSize - 1
	cluster := ClusterID(offset >> p.clusterShift)
	intra := offset & mask
	bufOffset := uint64(0)
	bytesLeft := uint64(len(buf))

	for bytesLeft > 0 {
		n := p.clusterSize - intra
		if bytesLeft < n {
			n = bytesLeft
		}
		chunk := buf[bufOffset : bufOffset+n]

		info, status := p.table.lookup(cluster)
		if !status.Ok() {
			return status
		}
		switch stored := info.(type) {
		case FreedCluster:
			if status := p.appendRawCluster(cluster, intra, chunk); !status.Ok() {
				return status
			}
		case DirectoryCluster:
			if _, err := p.meta.WriteAt(chunk, int64(stored.HostOffset+intra)); err != nil {
				return StatusError
			}
		case RawCluster:
			if _, err := p.meta.WriteAt(chunk, int64(stored.HostOffset+intra)); err != nil {
				return StatusError
			}
		case FileCluster:
			if status := p.writeFileCluster(stored, intra, chunk); !status.Ok() {
				return status
			}
		}

		bytesLeft -= n
		bufOffset += n
		intra = 0
		cluster++
	}

	if offset < SuperblockSize {
		// The guest rewrote (part of) the superblock: reformat this
		// partition around it. The written bytes are used as the template
		// without a signature check.
		if status := p.disk.reloadPartitionTable(); !status.Ok() {
			p.disk.partitions[0].markCorrupted()
			return status
		}
		return p.reformatFromSuperblockWrite(offset, buf)
	}
	return StatusSuccess
}

// appendRawCluster materializes a previously free cluster in the partition
// blob. The whole cluster is appended so later intra-cluster writes and
// reads have real storage behind them, with the written chunk placed at its
// offset inside the cluster.
func (p *Partition) appendRawCluster(cluster ClusterID, intra uint64, chunk []byte) Status {
	clusterBuf := make([]byte, p.clusterSize)
	copy(clusterBuf[intra:], chunk)
	if _, err := p.meta.WriteAt(clusterBuf, int64(p.metaFileSize)); err != nil {
		return StatusError
	}
	if status := p.table.updateSingle(cluster, p.metaFileSize, ClusterRaw); !status.Ok() {
		return status
	}
	p.metaFileSize += p.clusterSize
	return StatusSuccess
}

func (p *Partition) writeFileCluster(stored FileCluster, intra uint64, chunk []byte) Status {
	// The per-file host file materializes on the first write through it.
	f, err := os.OpenFile(p.hostFilePath(stored.RelativePath), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return StatusError
	}
	defer f.Close()

	fileOffset := uint64(stored.ChainIndex)<<p.clusterShift + intra
	if _, err := f.WriteAt(chunk, int64(fileOffset)); err != nil {
		return StatusError
	}
	return StatusSuccess
}

// walkChain follows a file's FAT chain for skip hops starting at the first
// cluster.
func (p *Partition) walkChain(first ClusterID, skip uint64) (ClusterID, Status) {
	cluster := first
	for i := uint64(0); i < skip; i++ {
		next, err := p.fat.readEntry(cluster)
		if err != nil {
			return 0, StatusError
		}
		if next == FATX32ClusterEOC {
			return 0, StatusCorrupt
		}
		cluster = ClusterID(next)
	}
	return cluster, StatusSuccess
}

// ReadFileData reads from a file's cluster chain into buf, starting at the
// given byte offset inside the file. Bytes past the recorded file size read
// as zero; the returned count only covers real data. Every cluster is
// resolved through the cluster table to its per-file host storage.
func (p *Partition) ReadFileData(d *Dirent, offset int64, buf []byte) (int, Status) {
	for i := range buf {
		buf[i] = 0
	}
	if offset < 0 {
		return 0, StatusError
	}
	if uint64(offset) >= uint64(d.Size) || d.FirstCluster == FATX32ClusterFree {
		return 0, StatusSuccess
	}

	n := uint64(d.Size) - uint64(offset)
	if n > uint64(len(buf)) {
		n = uint64(len(buf))
	}

	cluster, status := p.walkChain(ClusterID(d.FirstCluster), uint64(offset)>>p.clusterShift)
	if !status.Ok() {
		return 0, status
	}

	intra := uint64(offset) & (p.clusterSize - 1)
	done := uint64(0)
	for done < n {
		step := p.clusterSize - intra
		if n-done < step {
			step = n - done
		}

		info, status := p.table.lookup(cluster)
		if !status.Ok() {
			return int(done), status
		}
		stored, ok := info.(FileCluster)
		if !ok {
			return int(done), StatusCorrupt
		}
		if status := p.readFileCluster(stored, intra, buf[done:done+step]); !status.Ok() {
			return int(done), status
		}

		done += step
		intra = 0
		if done < n {
			next, err := p.fat.readEntry(cluster)
			if err != nil {
				return int(done), StatusError
			}
			if next == FATX32ClusterEOC {
				return int(done), StatusCorrupt
			}
			cluster = ClusterID(next)
		}
	}
	return int(n), StatusSuccess
}

// WriteFileData stores buf into a file's cluster chain at the given byte
// offset. The chain must already cover the write range; callers grow it with
// AppendClustersToFile first.
func (p *Partition) WriteFileData(d *Dirent, offset int64, buf []byte) Status {
	if len(buf) == 0 {
		return StatusSuccess
	}
	if offset < 0 || d.FirstCluster == FATX32ClusterFree {
		return StatusError
	}

	cluster, status := p.walkChain(ClusterID(d.FirstCluster), uint64(offset)>>p.clusterShift)
	if !status.Ok() {
		return status
	}

	intra := uint64(offset) & (p.clusterSize - 1)
	done := uint64(0)
	for done < uint64(len(buf)) {
		step := p.clusterSize - intra
		if uint64(len(buf))-done < step {
			step = uint64(len(buf)) - done
		}

		info, status := p.table.lookup(cluster)
		if !status.Ok() {
			return status
		}
		stored, ok := info.(FileCluster)
		if !ok {
			return StatusCorrupt
		}
		if status := p.writeFileCluster(stored, intra, buf[done:done+step]); !status.Ok() {
			return status
		}

		done += step
		intra = 0
		if done < uint64(len(buf)) {
			next, err := p.fat.readEntry(cluster)
			if err != nil {
				return StatusError
			}
			if next == FATX32ClusterEOC {
				return StatusCorrupt
			}
			cluster = ClusterID(next)
		}
	}
	return StatusSuccess
}

// reformatFromSuperblockWrite rebuilds the partition using the superblock
// bytes the guest just wrote. Bytes the write did not cover are zero.
func (p *Partition) reformatFromSuperblockWrite(offset uint64, buf []byte) Status {
	template := make([]byte, SuperblockSize)
	n := uint64(len(buf))
	if offset+n > SuperblockSize {
		n = SuperblockSize - offset
	}
	copy(template[offset:], buf[:n])

	sb, err := UnpackSuperblock(template)
	if err != nil {
		p.markCorrupted()
		return StatusError
	}
	if !sb.ValidClusterSectors() {
		// A garbage cluster size would make every shift below nonsense.
		p.markCorrupted()
		return StatusError
	}
	if err := p.formatWithSuperblock(sb); err != nil {
		p.markCorrupted()
		return StatusError
	}
	return StatusSuccess
}

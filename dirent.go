package fatx

import (
	"path/filepath"
	"strings"
)

// isDirentSentinel reports whether a name-length byte marks a slot that is
// not a live dirent.
func isDirentSentinel(nameLength uint8) bool {
	return nameLength == DirentEndOfStream ||
		nameLength == DirentDeleted ||
		nameLength == DirentEndOfStreamAlt
}

// FindDirent locates the dirent for remainingPath, which has the form
// "Harddisk/Partition<N>/a/b" with host separators (DVD paths carry no
// prefix). On success the dirent is copied out along with its byte offset in
// the partition blob.
//
// Side effects on the scanner scratch: lastFreeDirentOffset records the first
// reusable slot seen, lastFreeDirentOnBoundary whether consuming it leaves no
// room for a terminator, and lastFoundDirentOffset the offset of a found
// dirent. The create/overwrite/delete that follows for the same file consumes
// these.
func (p *Partition) FindDirent(remainingPath string) (Dirent, uint64, Status) {
	return p.scanDirentStream(remainingPath, 0, false)
}

// IsDirentStreamEmpty walks a dirent stream and reports StatusSuccess if it
// holds no live dirent, StatusNotEmpty otherwise.
func (p *Partition) IsDirentStreamEmpty(startCluster ClusterID) Status {
	_, _, status := p.scanDirentStream("", startCluster, true)
	return status
}

func (p *Partition) scanDirentStream(remainingPath string, startCluster ClusterID, checkEmpty bool) (Dirent, uint64, Status) {
	p.lastFreeDirentOffset = 0
	p.lastFoundDirentOffset = 0

	if !checkEmpty {
		if remainingPath == HarddiskRelativePath(p.num, "") {
			// Searching for the root directory itself.
			return Dirent{}, 0, StatusIsRootDir
		}
		if strings.HasPrefix(remainingPath, HarddiskDirName) {
			remainingPath = remainingPath[partitionPrefixLen:]
		}
	}

	direntsPerCluster := p.clusterSize >> 6
	buffer := make([]byte, p.clusterSize)
	numDirent := uint64(0)
	foundFree := false

	// Start from the hint or from the stream of the root directory.
	cluster := startCluster
	if cluster == 0 {
		cluster = 1
	}
	p.lastDirentStreamCluster = cluster

	pos := 0
	for {
		if uint64(cluster-1) >= p.totalClusters {
			return Dirent{}, 0, StatusCorrupt
		}

		info, status := p.table.lookup(cluster)
		if !status.Ok() {
			return Dirent{}, 0, status
		}
		dirCluster, ok := info.(DirectoryCluster)
		if !ok || dirCluster.HostOffset == 0 {
			// A dirent stream that the cluster table never indexed. This
			// should not happen.
			log.WithField("partition", p.num).Errorf(
				"dirent stream at cluster %d was not found in the partition file", cluster)
			return Dirent{}, 0, StatusError
		}

		if _, err := p.meta.ReadAt(buffer, int64(dirCluster.HostOffset)); err != nil {
			return Dirent{}, 0, StatusError
		}

		sep := strings.IndexByte(remainingPath[pos:], filepath.Separator)
		isLastName := sep < 0 || pos+sep == len(remainingPath)
		var segment string
		if sep < 0 {
			segment = remainingPath[pos:]
		} else {
			segment = remainingPath[pos : pos+sep]
		}

		descended := false
		for offsetInCluster := uint64(0); offsetInCluster < p.clusterSize; offsetInCluster += DirentSize {
			if numDirent == MaxDirentsPerStream {
				return Dirent{}, 0, StatusCorrupt
			}

			nameLength := buffer[offsetInCluster]
			if isDirentSentinel(nameLength) {
				if !foundFree {
					p.lastFreeDirentOffset = dirCluster.HostOffset + offsetInCluster
					foundFree = true
				}
				if nameLength != DirentDeleted {
					// Reached the end of the stream. Note that dirent stream
					// clusters are not aligned to cluster boundaries in the
					// partition blob. The free slot's offset is reported so
					// the create that follows can reuse it.
					p.lastFreeDirentOnBoundary = (numDirent+1)%direntsPerCluster == 0
					if checkEmpty {
						return Dirent{}, 0, StatusSuccess
					}
					if isLastName {
						return Dirent{}, p.lastFreeDirentOffset, StatusNameNotFound
					}
					return Dirent{}, p.lastFreeDirentOffset, StatusPathNotFound
				}
				// Deleted slots are reusable but the stream continues past
				// them.
				numDirent++
				continue
			}

			if checkEmpty {
				// Any live dirent means the stream is not empty.
				return Dirent{}, 0, StatusNotEmpty
			}

			if nameLength <= MaxNameLength &&
				int(nameLength) == len(segment) &&
				EqualNamesXbox(segment, string(buffer[offsetInCluster+2:offsetInCluster+2+uint64(nameLength)])) {
				found, err := UnpackDirent(buffer[offsetInCluster : offsetInCluster+DirentSize])
				if err != nil {
					return Dirent{}, 0, StatusError
				}

				if isLastName {
					p.lastFoundDirentOffset = dirCluster.HostOffset + offsetInCluster
					p.lastDirentStreamCluster = 0
					return found, p.lastFoundDirentOffset, StatusSuccess
				}
				if found.IsDirectory() {
					// Restart the scan inside the matched directory.
					pos += sep + 1
					cluster = ClusterID(found.FirstCluster)
					p.lastDirentStreamCluster = cluster
					numDirent = 0
					foundFree = false
					descended = true
					break
				}
				// A file with the same name as the directory segment we are
				// looking for; keep scanning.
			}

			numDirent++
		}

		if descended {
			continue
		}

		// Attempt to continue the search in a chained stream cluster.
		next, err := p.fat.readEntry(cluster)
		if err != nil {
			return Dirent{}, 0, StatusError
		}
		if next == FATX32ClusterEOC {
			p.lastFreeDirentOnBoundary = (numDirent+1)%direntsPerCluster == 0
			if checkEmpty {
				return Dirent{}, 0, StatusSuccess
			}
			if isLastName {
				return Dirent{}, p.lastFreeDirentOffset, StatusNameNotFound
			}
			return Dirent{}, p.lastFreeDirentOffset, StatusPathNotFound
		}
		cluster = ClusterID(next)
		p.lastDirentStreamCluster = cluster
	}
}

// extendDirentStream appends a cluster of 0xFF bytes to the partition blob,
// chains it onto the stream the last scan ended in, and indexes it as a
// directory cluster. The cluster must already carry an EOC entry from its
// allocation.
func (p *Partition) extendDirentStream(cluster ClusterID) Status {
	if !p.lastFreeDirentOnBoundary || p.lastDirentStreamCluster == 0 {
		return StatusError
	}

	buffer := make([]byte, p.clusterSize)
	for i := range buffer {
		buffer[i] = DirentEndOfStreamAlt
	}
	if _, err := p.meta.WriteAt(buffer, int64(p.metaFileSize)); err != nil {
		return StatusError
	}

	if err := p.fat.writeEntry(p.lastDirentStreamCluster, uint32(cluster)); err != nil {
		p.markCorrupted()
		return StatusError
	}
	if err := p.fat.cache.Flush(); err != nil {
		p.markCorrupted()
		return StatusError
	}

	if status := p.table.updateSingle(cluster, p.metaFileSize, ClusterDirectory); !status.Ok() {
		return status
	}
	p.metaFileSize += p.clusterSize
	return StatusSuccess
}

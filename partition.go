package fatx

import (
	"math/bits"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "fatx")

// Partition owns all mutable state of one partition: the host file handles,
// the cached FAT and cluster table pages, the allocation counters and the
// dirent scanner scratch. After initialization it must only be touched by the
// I/O worker; nothing here locks.
type Partition struct {
	num  int
	disk *Disk

	meta      *os.File // Partition<N>.bin
	metaPath  string
	tableFile *os.File // ClusterTable<N>.bin, nil for partition 0
	tablePath string

	clusterSize   uint64
	clusterShift  uint
	totalClusters uint64
	freeClusters  uint64
	fatSize       uint64 // bytes, page aligned
	metaFileSize  uint64 // running size of Partition<N>.bin
	tableFileSize uint64 // running size of ClusterTable<N>.bin

	corrupted     bool
	lastAllocated ClusterID

	fat          *fatRegion
	table        *clusterTable
	clusterCache map[ClusterID]ClusterInfo

	// Scanner scratch shared between FindDirent and the create / overwrite /
	// delete that follows it for the same file. Safe because everything runs
	// on the worker.
	lastDirentStreamCluster  ClusterID
	lastFoundDirentOffset    uint64
	lastFreeDirentOffset     uint64
	lastFreeDirentOnBoundary bool
}

// Num returns the partition number.
func (p *Partition) Num() int {
	return p.num
}

// ClusterSize returns the cluster size in bytes. Zero for partition 0.
func (p *Partition) ClusterSize() uint64 {
	return p.clusterSize
}

// TotalClusters returns the number of clusters the partition holds.
func (p *Partition) TotalClusters() uint64 {
	return p.totalClusters
}

// FreeClusters returns the current free-cluster count. The count is
// decremented on every allocation and incremented on every free; it never
// drifts from the FAT.
func (p *Partition) FreeClusters() uint64 {
	return p.freeClusters
}

// Corrupted reports whether a host I/O failure poisoned the partition's
// metadata. Corruption is sticky until the next boot reformats.
func (p *Partition) Corrupted() bool {
	return p.corrupted
}

// IsFATX16 reports whether this partition uses 16-bit FAT entries.
func (p *Partition) IsFATX16() bool {
	return IsFATX16(p.num)
}

func (p *Partition) fatEntrySize() uint64 {
	return FATEntrySize(p.num)
}

// markCorrupted flags the partition's metadata as unusable. The partition
// keeps failing every request until the next boot recreates it from scratch.
func (p *Partition) markCorrupted() {
	if !p.corrupted {
		p.corrupted = true
		log.WithField("partition", p.num).Error(
			"partition metadata files have become corrupted, they will be recreated on the next launch")
	}
}

// byteLength returns the partition's length in bytes according to the live
// partition table, or the stock geometry when the table has no entry.
func (p *Partition) byteLength() uint64 {
	if entry := p.disk.tableEntryFor(p.num); entry != nil && entry.InUse() {
		return entry.ByteSize()
	}
	geometry, err := StockPartitionGeometry(p.num)
	if err != nil {
		return 0
	}
	return geometry.ByteSize()
}

////////////////////////////////////////////////////////////////////////////////
// Formatting

// format lays down a fresh FAT, root dirent stream and cluster table for the
// given cluster size. The user data area and superblock must already have
// been written by the caller.
func (p *Partition) format(clusterSectors uint32) error {
	p.clusterSize = uint64(clusterSectors) * SectorSize
	p.clusterShift = uint(bits.TrailingZeros64(p.clusterSize))
	p.totalClusters = (p.byteLength() >> p.clusterShift) + 1
	p.freeClusters = p.totalClusters - 2
	p.fatSize = alignUpPage(p.totalClusters * p.fatEntrySize())
	p.metaFileSize = MetadataFATOffset + p.fatSize + p.clusterSize
	p.lastAllocated = 1
	p.clusterCache = map[ClusterID]ClusterInfo{}

	p.fat = newFATRegion(p)
	if err := p.createFAT(); err != nil {
		return err
	}
	if err := p.createRootDirentStream(); err != nil {
		return err
	}

	// A fresh cluster table holds a single element with only the root
	// directory indexed.
	if err := p.tableFile.Truncate(0); err != nil {
		return err
	}
	if err := p.tableFile.Truncate(PageSize); err != nil {
		return err
	}
	p.tableFileSize = PageSize
	p.table = newClusterTable(p)

	rootEntry := ClusterDataEntry{
		Kind:   uint16(ClusterDirectory),
		Offset: MetadataFATOffset + p.fatSize,
	}
	if err := p.table.writeEntry(1, rootEntry); err != nil {
		return err
	}
	return p.table.flush()
}

// createFAT writes a FAT with every cluster free except the two the format
// reserves: the root dirent stream and its end-of-chain marker.
func (p *Partition) createFAT() error {
	// The FAT can get big on the non-standard homebrew partitions, so it is
	// written through the page cache rather than as one giant buffer.
	for page := uint(0); page < uint(p.fatSize/PageSize); page++ {
		buf, err := p.fat.cache.Page(page)
		if err != nil {
			return err
		}
		for i := range buf {
			buf[i] = 0
		}
		p.fat.cache.MarkDirty(page, 1)
	}
	if err := p.fat.writeEntry(1, FATX32ClusterRoot); err != nil {
		return err
	}
	if err := p.fat.writeEntry(2, FATX32ClusterEOC); err != nil {
		return err
	}
	return p.fat.cache.Flush()
}

// createRootDirentStream writes the root directory's single cluster of 0xFF
// bytes right after the FAT.
func (p *Partition) createRootDirentStream() error {
	buffer := make([]byte, p.clusterSize)
	for i := range buffer {
		buffer[i] = DirentEndOfStreamAlt
	}
	_, err := p.meta.WriteAt(buffer, int64(MetadataFATOffset+p.fatSize))
	return err
}

// formatDefault writes the default user data area and superblock, then
// formats. Used when a partition file is created or recreated at boot.
func (p *Partition) formatDefault() error {
	sb := &Superblock{
		Signature:      SuperblockSignature,
		VolumeID:       11223344 + uint32(p.num),
		ClusterSectors: 32,
		RootDirCluster: 1,
	}
	for i := range sb.Reserved {
		sb.Reserved[i] = 0xFF
	}
	return p.formatWithSuperblock(sb)
}

// formatWithSuperblock writes the given superblock with a dirty user data
// area, then formats. The user data area stays dirty until a clean shutdown
// clears it, which is how a crash is detected at the next boot.
func (p *Partition) formatWithSuperblock(sb *Superblock) error {
	userArea := &UserDataArea{
		LastClusterUsed: 1,
		IsCorrupted:     1,
		Version:         MetadataVersion,
	}
	if _, err := p.meta.WriteAt(userArea.Pack(), 0); err != nil {
		return err
	}
	if _, err := p.meta.WriteAt(sb.Pack(), UserDataAreaSize); err != nil {
		return err
	}
	return p.format(sb.ClusterSectors)
}

////////////////////////////////////////////////////////////////////////////////
// Mounting

// mount loads the cached geometry of an existing, clean partition file: the
// cluster size from the superblock, the last allocated cluster from the user
// data area, and the free-cluster count from a full FAT scan.
func (p *Partition) mount() error {
	header := make([]byte, UserDataAreaSize+SuperblockSize)
	if _, err := p.meta.ReadAt(header, 0); err != nil {
		return err
	}
	userArea, err := UnpackUserDataArea(header[:UserDataAreaSize])
	if err != nil {
		return err
	}
	sb, err := UnpackSuperblock(header[UserDataAreaSize:])
	if err != nil {
		return err
	}
	if !sb.ValidClusterSectors() {
		return StatusCorrupt.WithMessage(
			"superblock cluster size is not a power of two in [1, 128] sectors")
	}

	length := p.byteLength()
	if length == 0 {
		return StatusCorrupt.WithMessage(
			"partition " + strconv.Itoa(p.num) + " has no length in the partition table")
	}

	p.clusterSize = sb.ClusterSize()
	p.clusterShift = uint(bits.TrailingZeros64(p.clusterSize))
	p.totalClusters = (length >> p.clusterShift) + 1
	p.fatSize = alignUpPage(p.totalClusters * p.fatEntrySize())
	p.lastAllocated = ClusterID(userArea.LastClusterUsed)
	p.clusterCache = map[ClusterID]ClusterInfo{}
	p.fat = newFATRegion(p)
	p.table = newClusterTable(p)

	// Count the free FAT entries to seed the free-cluster counter.
	p.freeClusters = 0
	for cluster := uint64(1); cluster <= p.totalClusters; cluster++ {
		value, err := p.fat.readEntry(ClusterID(cluster))
		if err != nil {
			return err
		}
		if value == FATX32ClusterFree {
			p.freeClusters++
		}
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Shutdown

// flushUserData rewrites the user data area after a clean shutdown, clearing
// the corruption marker so the next boot reuses the metadata instead of
// reformatting. Corrupted partitions are skipped: their marker must survive
// so the reformat happens.
func (p *Partition) flushUserData() error {
	if p.num == 0 || p.corrupted || p.meta == nil {
		return nil
	}
	userArea := &UserDataArea{
		LastClusterUsed: uint32(p.lastAllocated),
		IsCorrupted:     0,
		Version:         MetadataVersion,
	}
	if _, err := p.meta.WriteAt(userArea.Pack(), 0); err != nil {
		log.WithField("partition", p.num).Error(
			"failed to flush partition file, it will be recreated on the next launch")
		return err
	}
	return nil
}

// closeFiles releases the host file handles.
func (p *Partition) closeFiles() error {
	var firstErr error
	if p.meta != nil {
		if err := p.meta.Close(); err != nil {
			firstErr = err
		}
		p.meta = nil
	}
	if p.tableFile != nil {
		if err := p.tableFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.tableFile = nil
	}
	return firstErr
}

// hostFilePath resolves a stored relative path ("Harddisk/PartitionN/...")
// against the emulator root.
func (p *Partition) hostFilePath(relative string) string {
	return filepath.Join(p.disk.root, relative)
}

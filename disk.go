package fatx

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Options configures a Disk.
type Options struct {
	// Root is the emulator root directory; the Harddisk/ tree is created
	// underneath it.
	Root string
	// Now returns the current time in microseconds. Defaults to the wall
	// clock. It is only used to stamp dirent timestamps.
	Now func() int64
}

// Disk is the virtualized Xbox hard disk: the config area plus up to seven
// FATX partitions, each backed by the host layout this package maintains.
// A Disk is created on the startup thread and then owned exclusively by the
// I/O worker; none of its state is locked.
type Disk struct {
	root    string
	hddPath string
	table   *PartitionTable
	// partitions is indexed by partition number. Slots 6 and 7 stay nil
	// unless the partition table flags the homebrew partitions in use.
	partitions [MaxPartitions]*Partition
	now        func() int64
}

// Open creates or reopens the host layout under opts.Root. Missing partition
// files are created and formatted; existing ones are mounted, unless their
// user data area records a dirty shutdown or a version mismatch, in which
// case they are recreated from scratch.
func Open(opts Options) (*Disk, error) {
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMicro() }
	}

	d := &Disk{
		root:    opts.Root,
		hddPath: filepath.Join(opts.Root, HarddiskDirName),
		now:     opts.Now,
	}

	if err := os.MkdirAll(d.hddPath, 0o755); err != nil {
		return nil, err
	}
	for i := 1; i < MaxPartitions; i++ {
		dir := filepath.Join(d.hddPath, "Partition"+strconv.Itoa(i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	if err := d.openConfigArea(); err != nil {
		return nil, err
	}
	for num := 1; num < NumStandardPartitions; num++ {
		if err := d.openPartition(num); err != nil {
			return nil, err
		}
	}
	// Honor non-standard partitions a homebrew registered in the table.
	for num := NumStandardPartitions; num < MaxPartitions; num++ {
		if entry := d.tableEntryFor(num); entry != nil && entry.InUse() {
			if err := d.openPartition(num); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

// Root returns the emulator root directory.
func (d *Disk) Root() string {
	return d.root
}

// Partition returns the partition with the given number, or nil if it does
// not exist.
func (d *Disk) Partition(num int) *Partition {
	if num < 0 || num >= MaxPartitions {
		return nil
	}
	return d.partitions[num]
}

// FreeClusterCount returns a partition's free-cluster count; the kernel uses
// it to report free disk space to the guest.
func (d *Disk) FreeClusterCount(num int) uint64 {
	if p := d.Partition(num); p != nil {
		return p.freeClusters
	}
	return 0
}

// tableEntryFor returns the partition table entry describing a partition, or
// nil for partition 0, which the table does not track.
func (d *Disk) tableEntryFor(num int) *PartitionTableEntry {
	if num < 1 || num > len(d.table.Entries) {
		return nil
	}
	return &d.table.Entries[num-1]
}

func (d *Disk) partitionBinPath(num int) string {
	return filepath.Join(d.hddPath, "Partition"+strconv.Itoa(num)+".bin")
}

func (d *Disk) clusterTableBinPath(num int) string {
	return filepath.Join(d.hddPath, "ClusterTable"+strconv.Itoa(num)+".bin")
}

// openConfigArea creates or loads Partition0.bin and the partition table at
// its head. A missing or unreadable table falls back to the stock layout.
func (d *Disk) openConfigArea() error {
	path := d.partitionBinPath(0)
	p := &Partition{num: 0, disk: d, metaPath: path}
	d.partitions[0] = p

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		p.meta = f

		// The config area is a fixed structure: the partition table at the
		// front, zeros for the rest.
		d.table = StockPartitionTable()
		buffer := make([]byte, ConfigAreaSize)
		copy(buffer, d.table.Pack())
		if _, err := f.WriteAt(buffer, 0); err != nil {
			return err
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	p.meta = f

	raw := make([]byte, PartitionTableSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		d.table = StockPartitionTable()
		return nil
	}
	table, err := UnpackPartitionTable(raw)
	if err != nil || !table.HasValidMagic() {
		d.table = StockPartitionTable()
		return nil
	}
	d.table = table
	return nil
}

// reloadPartitionTable refreshes the in-memory table after the guest wrote
// to partition 0's table range.
func (d *Disk) reloadPartitionTable() Status {
	raw := make([]byte, PartitionTableSize)
	if _, err := d.partitions[0].meta.ReadAt(raw, 0); err != nil {
		return StatusError
	}
	table, err := UnpackPartitionTable(raw)
	if err != nil {
		return StatusError
	}
	d.table = table
	return StatusSuccess
}

// openPartition creates or reopens one FATX partition's metadata files.
func (d *Disk) openPartition(num int) error {
	p := &Partition{
		num:       num,
		disk:      d,
		metaPath:  d.partitionBinPath(num),
		tablePath: d.clusterTableBinPath(num),
	}
	d.partitions[num] = p

	_, metaErr := os.Stat(p.metaPath)
	_, tableErr := os.Stat(p.tablePath)
	if os.IsNotExist(metaErr) || os.IsNotExist(tableErr) {
		return d.createPartition(p)
	}

	meta, err := os.OpenFile(p.metaPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	p.meta = meta
	tableFile, err := os.OpenFile(p.tablePath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	p.tableFile = tableFile

	metaInfo, err := meta.Stat()
	if err != nil {
		return err
	}
	tableInfo, err := tableFile.Stat()
	if err != nil {
		return err
	}
	p.metaFileSize = uint64(metaInfo.Size())
	p.tableFileSize = uint64(tableInfo.Size())

	header := make([]byte, UserDataAreaSize)
	if _, err := meta.ReadAt(header, 0); err != nil {
		return err
	}
	userArea, err := UnpackUserDataArea(header)
	if err != nil {
		return err
	}
	if userArea.IsCorrupted != 0 || userArea.Version != MetadataVersion {
		// Dirty shutdown or stale layout: throw the metadata away and start
		// over. Stale per-file host files are orphaned, not deleted.
		log.WithField("partition", num).Warn(
			"partition metadata is dirty or outdated, recreating it")
		return d.createPartition(p)
	}
	return p.mount()
}

// createPartition truncates (or creates) both metadata files and formats the
// partition with the default superblock.
func (d *Disk) createPartition(p *Partition) error {
	if p.meta != nil {
		p.meta.Close()
	}
	if p.tableFile != nil {
		p.tableFile.Close()
	}

	meta, err := os.OpenFile(p.metaPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	p.meta = meta
	tableFile, err := os.OpenFile(p.tablePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	p.tableFile = tableFile
	p.metaFileSize = 0
	p.tableFileSize = 0
	p.corrupted = false

	return p.formatDefault()
}

// Flush rewrites every clean partition's user data area with the shutdown
// marker cleared. Corrupted partitions keep their dirty marker so the next
// boot reformats them.
func (d *Disk) Flush() error {
	var result *multierror.Error
	for _, p := range d.partitions {
		if p == nil || p.num == 0 {
			continue
		}
		if err := p.flushUserData(); err != nil {
			result = multierror.Append(result, fmt.Errorf("partition %d: %w", p.num, err))
		}
	}
	return result.ErrorOrNil()
}

// Close flushes the user data areas and releases every host file handle.
func (d *Disk) Close() error {
	result := multierror.Append(nil, d.Flush())
	for _, p := range d.partitions {
		if p == nil {
			continue
		}
		if err := p.closeFiles(); err != nil {
			result = multierror.Append(result, fmt.Errorf("partition %d: %w", p.num, err))
		}
	}
	return result.ErrorOrNil()
}

// DiskOffsetToPartitionOffset translates an absolute disk byte offset into a
// partition number and an offset inside that partition, using the live
// partition table. Offsets outside every table entry belong to partition 0.
func (d *Disk) DiskOffsetToPartitionOffset(diskOffset uint64) (int, uint64) {
	for i := range d.table.Entries {
		entry := &d.table.Entries[i]
		if !entry.InUse() {
			continue
		}
		base := entry.ByteStart()
		end := base + entry.ByteSize()
		if diskOffset >= base && diskOffset < end {
			return i + 1, diskOffset - base
		}
	}
	return 0, diskOffset
}

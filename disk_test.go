package fatx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cold boot in an empty root must create the whole host layout.
func TestColdBootCreatesStructure(t *testing.T) {
	root := t.TempDir()
	disk, err := Open(Options{Root: root})
	require.NoError(t, err)
	defer disk.Close()

	hdd := filepath.Join(root, HarddiskDirName)

	info, err := os.Stat(filepath.Join(hdd, "Partition0.bin"))
	require.NoError(t, err)
	assert.Equal(t, int64(ConfigAreaSize), info.Size())

	for num := 1; num <= 5; num++ {
		p := disk.Partition(num)
		require.NotNil(t, p, "partition %d", num)

		info, err := os.Stat(p.metaPath)
		require.NoError(t, err, "partition %d", num)
		// User data area, superblock, FAT, and one root dirent cluster.
		assert.Equal(t,
			int64(MetadataFATOffset+p.fatSize+p.clusterSize),
			info.Size(),
			"partition %d file size", num)

		tableInfo, err := os.Stat(p.tablePath)
		require.NoError(t, err)
		assert.Equal(t, int64(PageSize), tableInfo.Size(), "partition %d table size", num)

		// Entry 1 of the cluster table indexes the root dirent stream.
		raw := make([]byte, ClusterDataEntrySize)
		table, err := os.Open(p.tablePath)
		require.NoError(t, err)
		_, err = table.ReadAt(raw, ClusterDataEntrySize)
		table.Close()
		require.NoError(t, err)
		entry, err := UnpackClusterDataEntry(raw)
		require.NoError(t, err)
		assert.Equal(t, uint16(ClusterDirectory), entry.Kind)

		// The root dirent cluster is all 0xFF.
		meta, err := os.Open(p.metaPath)
		require.NoError(t, err)
		rootCluster := make([]byte, p.clusterSize)
		_, err = meta.ReadAt(rootCluster, int64(MetadataFATOffset+p.fatSize))
		meta.Close()
		require.NoError(t, err)
		for _, b := range rootCluster {
			if b != 0xFF {
				t.Errorf("partition %d root cluster is not 0xFF filled", num)
				break
			}
		}

		assert.Equal(t, p.totalClusters-2, p.freeClusters, "partition %d free count", num)
	}

	// Homebrew partitions don't exist on a stock table.
	assert.Nil(t, disk.Partition(6))
	assert.Nil(t, disk.Partition(7))
}

// Clean shutdown then reboot must preserve the allocation state exactly.
func TestCleanRebootPreservesState(t *testing.T) {
	root := t.TempDir()
	disk, err := Open(Options{Root: root})
	require.NoError(t, err)

	p := disk.Partition(2)
	_, slot, status := p.FindDirent(HarddiskRelativePath(2, "keep.bin"))
	require.Equal(t, StatusNameNotFound, status)
	d := Dirent{}
	require.NoError(t, d.SetFileName("keep.bin"))
	require.True(t, p.CreateDirentForFile(&d, "keep.bin").Ok())
	require.True(t, p.AppendClustersToFile(&d, 0, 5000, "keep.bin").Ok())
	p.FlushDirent(&d, slot)

	freeBefore := p.freeClusters
	lastBefore := p.lastAllocated
	require.NoError(t, disk.Close())

	disk, err = Open(Options{Root: root})
	require.NoError(t, err)
	defer disk.Close()

	p = disk.Partition(2)
	assert.Equal(t, freeBefore, p.freeClusters)
	assert.Equal(t, lastBefore, p.lastAllocated)

	found, _, status := p.FindDirent(HarddiskRelativePath(2, "keep.bin"))
	require.True(t, status.Ok())
	assert.Equal(t, uint32(5000), found.Size)
}

// A process killed before deinit leaves is_corrupted set, and the next boot
// must reformat the partition.
func TestDirtyShutdownReformats(t *testing.T) {
	root := t.TempDir()
	disk, err := Open(Options{Root: root})
	require.NoError(t, err)

	p := disk.Partition(2)
	initialFree := p.freeClusters

	_, _, status := p.FindDirent(HarddiskRelativePath(2, "lost.bin"))
	require.Equal(t, StatusNameNotFound, status)
	d := Dirent{}
	require.NoError(t, d.SetFileName("lost.bin"))
	require.True(t, p.CreateDirentForFile(&d, "lost.bin").Ok())
	require.True(t, p.AppendClustersToFile(&d, 0, 5000, "lost.bin").Ok())

	// Simulate a crash: release the handles without flushing the user data
	// area, leaving is_corrupted at 1.
	for _, part := range disk.partitions {
		if part != nil {
			part.closeFiles()
		}
	}

	disk, err = Open(Options{Root: root})
	require.NoError(t, err)
	defer disk.Close()

	p = disk.Partition(2)
	assert.Equal(t, initialFree, p.freeClusters)
	_, _, status = p.FindDirent(HarddiskRelativePath(2, "lost.bin"))
	assert.Equal(t, StatusNameNotFound, status)
}

func TestCorruptedPartitionSkipsCleanMarker(t *testing.T) {
	root := t.TempDir()
	disk, err := Open(Options{Root: root})
	require.NoError(t, err)

	p := disk.Partition(3)
	initialFree := p.freeClusters
	p.markCorrupted()
	require.NoError(t, disk.Close())

	// The dirty marker survived the clean shutdown, so the partition is
	// rebuilt.
	disk, err = Open(Options{Root: root})
	require.NoError(t, err)
	defer disk.Close()

	p = disk.Partition(3)
	assert.False(t, p.Corrupted())
	assert.Equal(t, initialFree, p.freeClusters)
}

func TestDiskOffsetToPartitionOffset(t *testing.T) {
	disk := newTestDisk(t)

	num, offset := disk.DiskOffsetToPartitionOffset(0x8ca80000)
	assert.Equal(t, 2, num)
	assert.Equal(t, uint64(0), offset)

	num, offset = disk.DiskOffsetToPartitionOffset(0x8ca80000 + 4096)
	assert.Equal(t, 2, num)
	assert.Equal(t, uint64(4096), offset)

	// The config area sits below every table entry.
	num, offset = disk.DiskOffsetToPartitionOffset(0x1000)
	assert.Equal(t, 0, num)
	assert.Equal(t, uint64(0x1000), offset)
}

func TestFreeClusterCount(t *testing.T) {
	disk := newTestDisk(t)
	p := disk.Partition(2)
	assert.Equal(t, p.freeClusters, disk.FreeClusterCount(2))
	assert.Equal(t, uint64(0), disk.FreeClusterCount(7))
}

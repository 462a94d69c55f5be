package fatx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStockPartitionGeometry(t *testing.T) {
	system, err := StockPartitionGeometry(2)
	require.NoError(t, err)
	assert.Equal(t, "XBOX SHELL", system.Name)
	assert.Equal(t, "C", system.DriveLetter)
	assert.Equal(t, uint64(0x8ca80000), uint64(system.LBAStart)*SectorSize)
	assert.Equal(t, uint64(0x1f400000), system.ByteSize())

	_, err = StockPartitionGeometry(6)
	assert.Error(t, err)
}

func TestStockPartitionTable(t *testing.T) {
	table := StockPartitionTable()
	assert.True(t, table.HasValidMagic())

	// Byte offsets of the five stock partitions, from the xboxdevwiki layout.
	expected := []struct {
		start, size uint64
	}{
		{0xabe80000, 0x131f00000}, // Partition1, XBOX DATA
		{0x8ca80000, 0x1f400000},  // Partition2, XBOX SHELL
		{0x00080000, 0x2ee00000},  // Partition3, swap 1
		{0x2ee80000, 0x2ee00000},  // Partition4, swap 2
		{0x5dc80000, 0x2ee00000},  // Partition5, swap 3
	}
	for i, want := range expected {
		entry := &table.Entries[i]
		assert.True(t, entry.InUse(), "entry %d must be in use", i)
		assert.Equal(t, want.start, entry.ByteStart(), "entry %d start", i)
		assert.Equal(t, want.size, entry.ByteSize(), "entry %d size", i)
	}
	for i := 5; i < len(table.Entries); i++ {
		assert.False(t, table.Entries[i].InUse(), "entry %d must be blank", i)
	}
}

func TestFATXVariantSelection(t *testing.T) {
	// The variant switches exactly at the partition-number boundary.
	assert.False(t, IsFATX16(0))
	assert.False(t, IsFATX16(1))
	for num := 2; num <= 5; num++ {
		assert.True(t, IsFATX16(num), "partition %d must be FATX16", num)
	}
	assert.False(t, IsFATX16(6))
	assert.False(t, IsFATX16(7))

	assert.Equal(t, uint64(2), FATEntrySize(2))
	assert.Equal(t, uint64(4), FATEntrySize(1))
}

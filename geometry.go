package fatx

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
)

// ConfigAreaSize is the size of partition 0, the fixed-structure config area
// at the start of the disk. It is not tracked in the partition table.
const ConfigAreaSize = 0x80000

// PartitionGeometry describes one stock partition of the retail drive.
// https://xboxdevwiki.net/Hard_Drive is the reference for these values.
type PartitionGeometry struct {
	Number      int    `csv:"number"`
	Name        string `csv:"name"`
	DriveLetter string `csv:"drive_letter"`
	Description string `csv:"description"`

	// LBAStart is the first sector of the partition on the emulated disk.
	LBAStart uint32 `csv:"lba_start"`
	// LBASize is the partition length in sectors.
	LBASize uint32 `csv:"lba_size"`
}

// ByteSize returns the partition length in bytes.
func (g *PartitionGeometry) ByteSize() uint64 {
	return uint64(g.LBASize) * SectorSize
}

//go:embed partition-geometries.csv
var partitionGeometriesRawCSV string
var partitionGeometries = map[int]PartitionGeometry{}

// StockPartitionGeometry returns the geometry of one of the five stock FATX
// partitions.
func StockPartitionGeometry(number int) (PartitionGeometry, error) {
	geometry, ok := partitionGeometries[number]
	if ok {
		return geometry, nil
	}
	return PartitionGeometry{},
		fmt.Errorf("no stock geometry exists for partition %d", number)
}

// StockPartitionTable builds the partition table a retail drive would carry.
// A real stock drive has no table at all; this one only exists so homebrew
// that sets up non-standard partitions finds something sane to start from.
func StockPartitionTable() *PartitionTable {
	table := &PartitionTable{Magic: PartitionTableMagic}
	for i := range table.Entries {
		for j := range table.Entries[i].Name {
			table.Entries[i].Name[j] = ' '
		}
	}

	// The on-disk table lists the data and system partitions before the game
	// caches.
	order := []int{1, 2, 3, 4, 5}
	for slot, number := range order {
		geometry := partitionGeometries[number]
		entry := &table.Entries[slot]
		copy(entry.Name[:], geometry.Name)
		entry.Flags = PartitionFlagInUse
		entry.LBAStart = geometry.LBAStart
		entry.LBASize = geometry.LBASize
	}
	return table
}

func init() {
	reader := strings.NewReader(partitionGeometriesRawCSV)
	err := gocsv.UnmarshalToCallback(
		reader,
		func(row PartitionGeometry) error {
			_, exists := partitionGeometries[row.Number]
			if exists {
				return fmt.Errorf(
					"duplicate geometry for partition %d", row.Number)
			}
			partitionGeometries[row.Number] = row
			return nil
		},
	)
	if err != nil && err != io.EOF {
		panic(err)
	}
}

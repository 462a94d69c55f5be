package fatx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveGuestPathHarddisk(t *testing.T) {
	resolved, err := ResolveGuestPath(`\Harddisk0\Partition2\Games\default.xbe`)
	require.NoError(t, err)
	assert.Equal(t, DeviceHDD, resolved.Device)
	assert.Equal(t, 2, resolved.Partition)
	assert.Equal(t, filepath.Join("Games", "default.xbe"), resolved.Tail)
}

func TestResolveGuestPathPartitionRoot(t *testing.T) {
	resolved, err := ResolveGuestPath(`\Harddisk0\Partition1`)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved.Partition)
	assert.Equal(t, "", resolved.Tail)
}

func TestResolveGuestPathDVD(t *testing.T) {
	resolved, err := ResolveGuestPath(`\CdRom0\default.xbe`)
	require.NoError(t, err)
	assert.Equal(t, DeviceDVD, resolved.Device)
	assert.Equal(t, "default.xbe", resolved.Tail)
}

func TestResolveGuestPathErrors(t *testing.T) {
	bad := []string{
		"",
		"no-leading-separator",
		`\Harddisk0`,
		`\Harddisk0\NotAPartition\a`,
		`\Harddisk0\Partition9\a`,
		`\FloppyDisk0\a`,
	}
	for _, path := range bad {
		_, err := ResolveGuestPath(path)
		assert.Error(t, err, "path %q must not resolve", path)
	}
}

func TestHarddiskRelativePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("Harddisk", "Partition2", "a.bin"),
		HarddiskRelativePath(2, "a.bin"))

	// The root form keeps its trailing separator; the scanner uses it to
	// recognize a lookup of the root directory itself.
	root := HarddiskRelativePath(3, "")
	assert.Equal(t, filepath.Join("Harddisk", "Partition3")+string(filepath.Separator), root)
	assert.Len(t, root, partitionPrefixLen)
}

package fatx

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Device identifies which emulated device a guest path targets.
type Device int

const (
	// DeviceDVD is \Device\CdRom0, served by the xdvdfs package.
	DeviceDVD = Device(iota)
	// DeviceHDD is \Device\Harddisk0, served by this package.
	DeviceHDD
)

// HarddiskDirName is the directory under the emulator root that holds all
// partition files, cluster tables and per-file host files.
const HarddiskDirName = "Harddisk"

// ResolvedPath is the outcome of splitting a guest kernel path.
type ResolvedPath struct {
	Device Device
	// Partition is the partition number parsed from the PartitionN component.
	// It is meaningless for DVD paths.
	Partition int
	// Tail is the FATX-relative remainder of the path, without a leading
	// separator. It may be empty when the path names the partition root or
	// the DVD root.
	Tail string
}

// ResolveGuestPath splits a kernel path of the form
// "\<device>\[Partition<N>\]<name>" into its device, partition and relative
// tail. Devices recognized are CdRom0 and Harddisk0.
func ResolveGuestPath(guestPath string) (ResolvedPath, error) {
	if len(guestPath) == 0 || guestPath[0] != '\\' {
		return ResolvedPath{},
			fmt.Errorf("guest path %q does not start with a separator", guestPath)
	}

	rest := guestPath[1:]
	sep := strings.IndexByte(rest, '\\')
	if sep < 0 {
		return ResolvedPath{},
			fmt.Errorf("guest path %q has no path component after the device", guestPath)
	}
	device := rest[:sep]
	rest = rest[sep+1:]

	if EqualNamesXbox(device, "CdRom0") {
		return ResolvedPath{
			Device: DeviceDVD,
			Tail:   strings.ReplaceAll(rest, "\\", string(filepath.Separator)),
		}, nil
	}
	if !EqualNamesXbox(device, "Harddisk0") {
		return ResolvedPath{}, fmt.Errorf("unknown device %q in guest path", device)
	}

	partComponent := rest
	if sep = strings.IndexByte(rest, '\\'); sep >= 0 {
		partComponent = rest[:sep]
		rest = rest[sep+1:]
	} else {
		rest = ""
	}

	const partitionPrefix = "Partition"
	if !strings.HasPrefix(partComponent, partitionPrefix) {
		return ResolvedPath{},
			fmt.Errorf("guest path %q names no partition", guestPath)
	}
	number, err := strconv.Atoi(partComponent[len(partitionPrefix):])
	if err != nil || number < 0 || number >= MaxPartitions {
		return ResolvedPath{},
			fmt.Errorf("bad partition component %q in guest path", partComponent)
	}

	return ResolvedPath{
		Device:    DeviceHDD,
		Partition: number,
		Tail:      strings.ReplaceAll(rest, "\\", string(filepath.Separator)),
	}, nil
}

// HarddiskRelativePath returns the path the dirent scanner and cluster table
// store for a file: "Harddisk/Partition<N>/<tail>" with host separators.
func HarddiskRelativePath(partition int, tail string) string {
	base := filepath.Join(HarddiskDirName, "Partition"+strconv.Itoa(partition))
	if tail == "" {
		// Keep the trailing separator: it's how the scanner recognizes a
		// lookup of the root directory itself.
		return base + string(filepath.Separator)
	}
	return filepath.Join(base, tail)
}

// partitionPrefixLen is the length of the "Harddisk/PartitionN/" prefix the
// scanner strips from HDD paths before walking dirent streams.
const partitionPrefixLen = len(HarddiskDirName) + len("/PartitionX/")

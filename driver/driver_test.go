package driver_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dargueta/fatx"
	"github.com/dargueta/fatx/driver"
	"github.com/dargueta/fatx/xdvdfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// guestRAM is a flat fake of the emulated guest's memory.
type guestRAM struct {
	data []byte
}

func (m *guestRAM) ReadBlockVirt(addr uint32, dst []byte) error {
	copy(dst, m.data[addr:])
	return nil
}

func (m *guestRAM) WriteBlockVirt(addr uint32, src []byte) error {
	copy(m.data[addr:], src)
	return nil
}

type workerFixture struct {
	worker *driver.Worker
	disk   *fatx.Disk
	ram    *guestRAM
	root   string
	nextID uint32
}

func newWorkerFixture(t *testing.T, dvd *xdvdfs.Image) *workerFixture {
	t.Helper()
	root := t.TempDir()
	disk, err := fatx.Open(fatx.Options{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	ram := &guestRAM{data: make([]byte, 1<<20)}
	worker := driver.New(disk, dvd, ram)
	t.Cleanup(worker.Stop)
	return &workerFixture{worker: worker, disk: disk, ram: ram, root: root, nextID: 1}
}

// submit stages a request descriptor in guest memory and hands its address
// to the worker, retrying deferred submissions like the MMIO handler would.
func (f *workerFixture) submit(req driver.Request) uint32 {
	req.ID = f.nextID
	f.nextID++

	if req.Path != "" {
		copy(f.ram.data[0x8000:], req.Path)
		req.Handle = 0x8000
		req.Size = uint32(len(req.Path))
		req.Path = ""
	}
	copy(f.ram.data[0x100:], driver.EncodeRequest(req))
	f.worker.Submit(0x100)
	for f.worker.HasPendingPackets() {
		f.worker.FlushPendingPackets()
	}
	return req.ID
}

// waitStatus polls the completion registers the way the guest does.
func (f *workerFixture) waitStatus(t *testing.T, id uint32) driver.IOStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status := driver.IOStatus(f.worker.Query(id, true))
		if status != driver.IOPending {
			return status
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request %d never completed", id)
	return driver.IOError
}

// TestWorkerCreateWriteReadClose walks a file through the worker: create an
// empty file, write four bytes, read them back, close. Every step must be
// visible in the FATX metadata, not just in the host file.
func TestWorkerCreateWriteReadClose(t *testing.T) {
	f := newWorkerFixture(t, nil)
	p := f.disk.Partition(2)
	freeBefore := p.FreeClusters()
	const handle = 77

	id := f.submit(driver.Request{
		Type:            uint32(driver.ReqCreate) | driver.DeviceHDD,
		AddressOrHandle: handle,
		Path:            `\Harddisk0\Partition2\a.bin`,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	// The created dirent is an empty file with no clusters, and creating it
	// allocated nothing.
	dirent, _, status := p.FindDirent(fatx.HarddiskRelativePath(2, "a.bin"))
	require.True(t, status.Ok())
	assert.Equal(t, fatx.FATX32ClusterFree, dirent.FirstCluster)
	assert.Equal(t, uint32(0), dirent.Size)
	assert.Equal(t, freeBefore, p.FreeClusters())

	payload := []byte{0x11, 0x22, 0x33, 0x44}
	copy(f.ram.data[0x2000:], payload)
	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqWrite) | driver.DeviceHDD,
		Offset:          0,
		Size:            4,
		AddressOrHandle: 0x2000,
		Handle:          handle,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	// The write grew the chain by exactly one cluster and flushed the new
	// size into the dirent.
	dirent, _, status = p.FindDirent(fatx.HarddiskRelativePath(2, "a.bin"))
	require.True(t, status.Ok())
	assert.NotEqual(t, fatx.FATX32ClusterFree, dirent.FirstCluster)
	assert.Equal(t, uint32(4), dirent.Size)
	assert.Equal(t, freeBefore-1, p.FreeClusters())

	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqRead) | driver.DeviceHDD,
		Offset:          0,
		Size:            4,
		AddressOrHandle: 0x3000,
		Handle:          handle,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))
	// The info register reports the transfer count of the last queried
	// completion.
	assert.Equal(t, uint32(4), f.worker.Query(id, false))
	assert.Equal(t, payload, f.ram.data[0x3000:0x3004])

	id = f.submit(driver.Request{
		Type:   uint32(driver.ReqClose) | driver.DeviceHDD,
		Handle: handle,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	// The file body landed in the per-file host file.
	content, err := os.ReadFile(
		filepath.Join(f.root, "Harddisk", "Partition2", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, content)
}

func TestWorkerReadPastFileEndZeroFills(t *testing.T) {
	f := newWorkerFixture(t, nil)
	const handle = 30

	id := f.submit(driver.Request{
		Type:            uint32(driver.ReqCreate) | driver.DeviceHDD,
		AddressOrHandle: handle,
		Path:            `\Harddisk0\Partition2\short.bin`,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	copy(f.ram.data[0x2000:], []byte{0xAA, 0xBB})
	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqWrite) | driver.DeviceHDD,
		Size:            2,
		AddressOrHandle: 0x2000,
		Handle:          handle,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	// Reading more than the file holds transfers what exists and zero-fills
	// the tail of the guest buffer.
	copy(f.ram.data[0x3000:], bytes.Repeat([]byte{0xFF}, 8))
	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqRead) | driver.DeviceHDD,
		Size:            8,
		AddressOrHandle: 0x3000,
		Handle:          handle,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))
	assert.Equal(t, uint32(2), f.worker.Query(id, false))
	assert.Equal(t, []byte{0xAA, 0xBB, 0, 0, 0, 0, 0, 0}, f.ram.data[0x3000:0x3008])
}

func TestWorkerOpenMissingFileFails(t *testing.T) {
	f := newWorkerFixture(t, nil)

	id := f.submit(driver.Request{
		Type:            uint32(driver.ReqOpen) | driver.DeviceHDD,
		AddressOrHandle: 5,
		Path:            `\Harddisk0\Partition2\missing.bin`,
	})
	assert.Equal(t, driver.IOError, f.waitStatus(t, id))
}

func TestWorkerCreateIfMissingSemantics(t *testing.T) {
	f := newWorkerFixture(t, nil)
	p := f.disk.Partition(2)

	// FILE_CREATE fails when the file already exists.
	id := f.submit(driver.Request{
		Type:            uint32(driver.ReqCreate) | driver.DeviceHDD,
		AddressOrHandle: 10,
		Path:            `\Harddisk0\Partition2\once.bin`,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqCreate) | driver.DeviceHDD,
		AddressOrHandle: 11,
		Path:            `\Harddisk0\Partition2\once.bin`,
	})
	assert.Equal(t, driver.IOError, f.waitStatus(t, id))

	// Grow the file, then FILE_SUPERSEDE must truncate it back to nothing
	// and return its cluster to the pool.
	freeBefore := p.FreeClusters()
	copy(f.ram.data[0x2000:], []byte{1, 2, 3})
	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqWrite) | driver.DeviceHDD,
		Size:            3,
		AddressOrHandle: 0x2000,
		Handle:          10,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))
	require.Equal(t, freeBefore-1, p.FreeClusters())

	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqCreate) | driver.FlagAlways | driver.DeviceHDD,
		AddressOrHandle: 12,
		Path:            `\Harddisk0\Partition2\once.bin`,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))
	assert.Equal(t, freeBefore, p.FreeClusters())

	dirent, _, status := p.FindDirent(fatx.HarddiskRelativePath(2, "once.bin"))
	require.True(t, status.Ok())
	assert.Equal(t, uint32(0), dirent.Size)
	assert.Equal(t, fatx.FATX32ClusterFree, dirent.FirstCluster)
}

func TestWorkerDirectoryRequests(t *testing.T) {
	f := newWorkerFixture(t, nil)
	p := f.disk.Partition(2)
	freeBefore := p.FreeClusters()

	id := f.submit(driver.Request{
		Type: uint32(driver.ReqCreate) | driver.FlagDirectory | driver.DeviceHDD,
		Path: `\Harddisk0\Partition2\Saves`,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	// The directory costs one cluster for its dirent stream and exists both
	// in the FATX metadata and on the host.
	assert.Equal(t, freeBefore-1, p.FreeClusters())
	dirent, _, status := p.FindDirent(fatx.HarddiskRelativePath(2, "Saves"))
	require.True(t, status.Ok())
	assert.True(t, dirent.IsDirectory())

	info, err := os.Stat(filepath.Join(f.root, "Harddisk", "Partition2", "Saves"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Opening a directory is a no-op success; so is opening the partition
	// root.
	id = f.submit(driver.Request{
		Type: uint32(driver.ReqOpen) | driver.FlagDirectory | driver.DeviceHDD,
		Path: `\Harddisk0\Partition2\Saves`,
	})
	assert.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	id = f.submit(driver.Request{
		Type: uint32(driver.ReqOpen) | driver.FlagDirectory | driver.DeviceHDD,
		Path: `\Harddisk0\Partition2`,
	})
	assert.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	// A file can then be created inside the new directory.
	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqCreate) | driver.DeviceHDD,
		AddressOrHandle: 20,
		Path:            `\Harddisk0\Partition2\Saves\game.sav`,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))
	_, _, status = p.FindDirent(fatx.HarddiskRelativePath(2, filepath.Join("Saves", "game.sav")))
	assert.True(t, status.Ok())

	// Opening the directory as a file is an attribute mismatch.
	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqOpen) | driver.DeviceHDD,
		AddressOrHandle: 21,
		Path:            `\Harddisk0\Partition2\Saves`,
	})
	assert.Equal(t, driver.IOError, f.waitStatus(t, id))
}

func TestWorkerUnknownHandle(t *testing.T) {
	f := newWorkerFixture(t, nil)
	id := f.submit(driver.Request{
		Type:   uint32(driver.ReqRead) | driver.DeviceHDD,
		Size:   16,
		Handle: 999,
	})
	assert.Equal(t, driver.IOError, f.waitStatus(t, id))
}

func TestWorkerQueryUnknownIDIsPending(t *testing.T) {
	f := newWorkerFixture(t, nil)
	assert.Equal(t, uint32(driver.IOPending), f.worker.Query(0xDEAD, true))
}

// buildTestXISO builds a one-file scrubbed image: default.xbe at sector 35.
func buildTestXISO(payload []byte) []byte {
	img := make([]byte, 40*xdvdfs.SectorSize)

	desc := img[32*xdvdfs.SectorSize : 33*xdvdfs.SectorSize]
	copy(desc[0:], xdvdfs.Magic)
	binary.LittleEndian.PutUint32(desc[20:], 33)
	binary.LittleEndian.PutUint32(desc[24:], xdvdfs.SectorSize)
	copy(desc[2028:], xdvdfs.Magic)

	root := img[33*xdvdfs.SectorSize : 34*xdvdfs.SectorSize]
	name := "default.xbe"
	binary.LittleEndian.PutUint32(root[4:], 35)
	binary.LittleEndian.PutUint32(root[8:], uint32(len(payload)))
	root[13] = byte(len(name))
	copy(root[14:], name)

	copy(img[35*xdvdfs.SectorSize:], payload)
	return img
}

func TestWorkerDVDOpenAndRead(t *testing.T) {
	payload := []byte("XBEH")
	img, err := xdvdfs.New(bytes.NewReader(buildTestXISO(payload)), "game.iso")
	require.NoError(t, err)

	f := newWorkerFixture(t, img)
	const handle = 50

	id := f.submit(driver.Request{
		Type:            uint32(driver.ReqOpen) | driver.DeviceDVD,
		AddressOrHandle: handle,
		Path:            `\CdRom0\default.xbe`,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))

	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqRead) | driver.DeviceDVD,
		Size:            4,
		AddressOrHandle: 0x4000,
		Handle:          handle,
	})
	require.Equal(t, driver.IOSuccess, f.waitStatus(t, id))
	assert.Equal(t, uint32(4), f.worker.Query(id, false))
	assert.Equal(t, payload, f.ram.data[0x4000:0x4004])

	// The disc is read-only.
	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqWrite) | driver.DeviceDVD,
		Size:            4,
		AddressOrHandle: 0x4000,
		Handle:          handle,
	})
	assert.Equal(t, driver.IOError, f.waitStatus(t, id))

	id = f.submit(driver.Request{
		Type:            uint32(driver.ReqCreate) | driver.DeviceDVD,
		AddressOrHandle: 51,
		Path:            `\CdRom0\new.bin`,
	})
	assert.Equal(t, driver.IOError, f.waitStatus(t, id))
}

func TestWorkerDVDMissingDisc(t *testing.T) {
	f := newWorkerFixture(t, nil)
	id := f.submit(driver.Request{
		Type:            uint32(driver.ReqOpen) | driver.DeviceDVD,
		AddressOrHandle: 60,
		Path:            `\CdRom0\default.xbe`,
	})
	assert.Equal(t, driver.IOError, f.waitStatus(t, id))
}

// Package driver runs the I/O worker that serves guest file requests against
// the FATX engine and the DVD image. Two threads touch it: the CPU thread
// submits requests and polls completions from MMIO handlers, and a single
// worker goroutine drains the queue. The CPU thread never blocks: it
// try-locks the queue and completion maps and falls back to a pending vector
// or a pending status when the worker holds them.
//
// Every hard disk request goes through the fatx metadata and data paths:
// open/create resolve the guest path, scan the dirent stream, and create or
// overwrite the dirent; read/write walk the file's cluster chain, growing it
// first when a write lands past the end. DVD requests go through the xdvdfs
// binary-tree lookup and read straight out of the image.
package driver

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dargueta/fatx"
	"github.com/dargueta/fatx/xdvdfs"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "io")

// Memory is the engine's only window into guest RAM.
type Memory interface {
	// ReadBlockVirt copies len(dst) bytes from the guest virtual address into
	// dst.
	ReadBlockVirt(addr uint32, dst []byte) error
	// WriteBlockVirt copies src into guest memory at the virtual address.
	WriteBlockVirt(addr uint32, src []byte) error
}

// Access masks the worker derives from a request's flags. The wire protocol
// carries no explicit desired-access word; reads stay inside the mask that
// read-only files allow, anything that truncates or creates asks for write
// data too.
const (
	fileGenericRead  = 0x0001 // FILE_READ_DATA
	fileGenericWrite = 0x0003 // FILE_READ_DATA | FILE_WRITE_DATA
)

// handleEntry maps a guest handle to the object behind it: a FATX dirent on
// the hard disk, or a file span inside the DVD image.
type handleEntry struct {
	device fatx.Device

	// Hard disk handles.
	partition    *fatx.Partition
	tail         string // path below the partition root
	dirent       fatx.Dirent
	direntOffset uint64

	// DVD handles.
	dvdOffset uint64
	dvdSize   uint32
}

// Worker owns the request queue, the completion map and the guest handle
// map, and the goroutine that drains them.
type Worker struct {
	mem  Memory
	disk *fatx.Disk
	dvd  *xdvdfs.Image

	queueMu sync.Mutex
	queue   []*Request

	// pendingVec buffers requests submitted while the worker held the queue
	// lock. The CPU thread fills and drains it; the worker only clears it in
	// shutdown while the CPU thread waits in Stop. It has no lock of its own.
	pendingVec     []*Request
	pendingPackets bool

	completedMu sync.Mutex
	completed   map[uint32]InfoBlock

	// handles maps guest handles to open objects. Worker-only.
	handles map[uint32]*handleEntry

	// queryBlock holds the result of the last status query so the guest can
	// read the info half through a second register access. CPU thread only.
	queryBlock InfoBlock

	ioBuffer []byte

	wake     chan struct{}
	stopping atomic.Bool
	stopped  chan struct{}
	stopOnce sync.Once
}

// New starts the worker goroutine. dvd is the validated XISO image serving
// \Device\CdRom0, or nil when no disc is loaded.
func New(disk *fatx.Disk, dvd *xdvdfs.Image, mem Memory) *Worker {
	w := &Worker{
		mem:       mem,
		disk:      disk,
		dvd:       dvd,
		completed: map[uint32]InfoBlock{},
		handles:   map[uint32]*handleEntry{},
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	go w.run()
	return w
}

// HasPendingPackets reports whether a submission was deferred and
// FlushPendingPackets should be called again.
func (w *Worker) HasPendingPackets() bool {
	return w.pendingPackets
}

func (w *Worker) signalWake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Submit reads a request descriptor from guest memory and enqueues it.
// Called from the CPU thread; if the worker currently holds the queue lock
// the request is buffered and must be retried with FlushPendingPackets.
func (w *Worker) Submit(addr uint32) {
	raw := make([]byte, PackedRequestSize)
	if err := w.mem.ReadBlockVirt(addr, raw); err != nil {
		log.Errorf("failed to read request descriptor at %#x: %v", addr, err)
		return
	}
	req := DecodeRequest(raw)

	reqType := req.RequestType()
	if reqType == ReqOpen || reqType == ReqCreate {
		pathBuf := make([]byte, req.Size)
		if err := w.mem.ReadBlockVirt(req.Handle, pathBuf); err != nil {
			log.Errorf("failed to read request path at %#x: %v", req.Handle, err)
			return
		}
		req.Path = string(pathBuf)
	}

	// If the worker currently holds the lock, don't wait; retry later.
	if w.queueMu.TryLock() {
		w.queue = append(w.queue, &req)
		w.signalWake()
		w.queueMu.Unlock()
	} else {
		w.pendingVec = append(w.pendingVec, &req)
		w.pendingPackets = true
	}
}

// FlushPendingPackets retries the transfer of buffered submissions into the
// queue. Called from the CPU thread.
func (w *Worker) FlushPendingPackets() {
	if len(w.pendingVec) == 0 {
		return
	}
	if !w.queueMu.TryLock() {
		return
	}
	w.queue = append(w.queue, w.pendingVec...)
	w.pendingVec = w.pendingVec[:0]
	w.pendingPackets = false
	w.signalWake()
	w.queueMu.Unlock()
}

// Query polls a request's completion. With wantStatus it returns the status
// word, consuming the completion entry when present and returning IOPending
// when the completion map is contended or the request has not finished;
// without, it returns the info word of the last status query.
func (w *Worker) Query(id uint32, wantStatus bool) uint32 {
	if wantStatus {
		w.queryBlock.Status = IOPending
		if w.completedMu.TryLock() {
			if block, ok := w.completed[id]; ok {
				w.queryBlock = block
				delete(w.completed, id)
			}
			w.completedMu.Unlock()
		}
		return uint32(w.queryBlock.Status)
	}
	return w.queryBlock.Info
}

// Stop signals the worker to exit and waits for the acknowledgement.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		w.signalWake()
		<-w.stopped
	})
}

func (w *Worker) run() {
	for {
		<-w.wake

		for {
			if w.stopping.Load() {
				w.shutdown()
				return
			}

			w.queueMu.Lock()
			if len(w.queue) == 0 {
				w.queueMu.Unlock()
				break
			}
			req := w.queue[0]
			w.queue = w.queue[1:]
			w.queueMu.Unlock()

			w.dispatch(req)
		}
	}
}

// shutdown clears all request state and acknowledges the stop.
func (w *Worker) shutdown() {
	w.queue = nil
	w.pendingVec = nil
	w.pendingPackets = false
	w.completed = map[uint32]InfoBlock{}
	w.handles = map[uint32]*handleEntry{}
	close(w.stopped)
}

func (w *Worker) complete(id uint32, block InfoBlock) {
	w.completedMu.Lock()
	w.completed[id] = block
	w.completedMu.Unlock()
}

func wireStatus(status fatx.Status) IOStatus {
	if status.Ok() {
		return IOSuccess
	}
	return IOError
}

func (w *Worker) dispatch(req *Request) {
	reqType := req.RequestType()

	if reqType == ReqOpen || reqType == ReqCreate {
		w.dispatchOpenCreate(req, reqType)
		return
	}

	entry, ok := w.handles[req.Handle]
	if !ok {
		// This should not happen: the kernel never issues I/O on a handle it
		// didn't open.
		log.Warnf("xbox handle %d not found", req.Handle)
		w.complete(req.ID, InfoBlock{Status: IOError})
		return
	}

	result := InfoBlock{Status: IOSuccess}
	switch reqType {
	case ReqClose:
		delete(w.handles, req.Handle)

	case ReqRead:
		result = w.dispatchRead(req, entry)

	case ReqWrite:
		result = w.dispatchWrite(req, entry)

	default:
		// ReqRemove is plumbed on the wire but not implemented yet.
		log.Warnf("unknown I/O request of type %#x", req.Type)
	}

	w.complete(req.ID, result)
}

func (w *Worker) dispatchRead(req *Request, entry *handleEntry) InfoBlock {
	if uint32(len(w.ioBuffer)) < req.Size {
		w.ioBuffer = make([]byte, req.Size)
	}
	buf := w.ioBuffer[:req.Size]

	var transferred int
	if entry.device == fatx.DeviceDVD {
		for i := range buf {
			buf[i] = 0
		}
		if req.Offset < 0 || uint64(req.Offset) >= uint64(entry.dvdSize) {
			return InfoBlock{Status: IOError}
		}
		n := uint64(entry.dvdSize) - uint64(req.Offset)
		if n > uint64(len(buf)) {
			n = uint64(len(buf))
		}
		read, err := w.dvd.ReadFileAt(buf[:n], entry.dvdOffset+uint64(req.Offset))
		if err != nil {
			return InfoBlock{Status: IOError}
		}
		transferred = read
	} else {
		if entry.partition.Corrupted() {
			return InfoBlock{Status: IOError}
		}
		n, status := entry.partition.ReadFileData(&entry.dirent, req.Offset, buf)
		if !status.Ok() {
			return InfoBlock{Status: IOError}
		}
		transferred = n
	}

	if err := w.mem.WriteBlockVirt(req.AddressOrHandle, buf); err != nil {
		return InfoBlock{Status: IOError}
	}
	return InfoBlock{Status: IOSuccess, Info: uint32(transferred)}
}

func (w *Worker) dispatchWrite(req *Request, entry *handleEntry) InfoBlock {
	if entry.device == fatx.DeviceDVD {
		// The disc is read-only.
		return InfoBlock{Status: IOError}
	}
	p := entry.partition
	if p.Corrupted() {
		return InfoBlock{Status: IOError}
	}

	if uint32(len(w.ioBuffer)) < req.Size {
		w.ioBuffer = make([]byte, req.Size)
	}
	buf := w.ioBuffer[:req.Size]
	if err := w.mem.ReadBlockVirt(req.AddressOrHandle, buf); err != nil {
		return InfoBlock{Status: IOError}
	}

	// Grow the cluster chain first if the write lands past the aligned end,
	// then push the bytes through the chain and persist the dirent's new
	// size.
	if status := p.AppendClustersToFile(&entry.dirent, req.Offset, req.Size, entry.tail); !status.Ok() {
		return InfoBlock{Status: wireStatus(status)}
	}
	if status := p.WriteFileData(&entry.dirent, req.Offset, buf); !status.Ok() {
		return InfoBlock{Status: wireStatus(status)}
	}
	p.FlushDirent(&entry.dirent, entry.direntOffset)
	return InfoBlock{Status: IOSuccess}
}

// dispatchOpenCreate resolves the guest path and drives the FATX metadata
// operations (or the XDVDFS lookup) according to the NtCreateFile
// disposition the request flags encode.
func (w *Worker) dispatchOpenCreate(req *Request, reqType RequestType) {
	resolved, err := fatx.ResolveGuestPath(req.Path)
	if err != nil {
		log.Warnf("failed to resolve guest path %q: %v", req.Path, err)
		w.complete(req.ID, InfoBlock{Status: IOError})
		return
	}

	if resolved.Device == fatx.DeviceDVD {
		w.complete(req.ID, InfoBlock{Status: w.openDVD(req, reqType, resolved)})
		return
	}
	w.complete(req.ID, InfoBlock{Status: w.openHDD(req, reqType, resolved)})
}

// openDVD serves \Device\CdRom0 through the XDVDFS binary tree. The disc is
// read-only, so every create or truncate disposition fails.
func (w *Worker) openDVD(req *Request, reqType RequestType, resolved fatx.ResolvedPath) IOStatus {
	if w.dvd == nil {
		return IOError
	}
	if reqType == ReqCreate || req.IsTruncate() {
		return IOError
	}

	info := w.dvd.Search(resolved.Tail)
	if !info.Exists {
		return IOError
	}
	if req.IsDirectory() != info.IsDirectory {
		return IOError
	}
	if info.IsDirectory {
		// Open directory: nothing else to do.
		return IOSuccess
	}

	w.handles[req.AddressOrHandle] = &handleEntry{
		device:    fatx.DeviceDVD,
		dvdOffset: info.Offset,
		dvdSize:   info.Size,
	}
	return IOSuccess
}

// openHDD serves \Device\Harddisk0 through the dirent scanner and metadata
// operations.
func (w *Worker) openHDD(req *Request, reqType RequestType, resolved fatx.ResolvedPath) IOStatus {
	p := w.disk.Partition(resolved.Partition)
	if p == nil || p.Corrupted() {
		return IOError
	}

	desiredAccess := uint32(fileGenericRead)
	if reqType == ReqCreate || req.IsTruncate() {
		desiredAccess = fileGenericWrite
	}
	lookupFlags := fatx.MustNotBeADir
	if req.IsDirectory() {
		lookupFlags = fatx.MustBeADir
	}

	remaining := fatx.HarddiskRelativePath(resolved.Partition, resolved.Tail)
	dirent, direntOffset, status := p.FindDirent(remaining)

	if status == fatx.StatusIsRootDir {
		// The root directory has no dirent; opening it is a no-op.
		if reqType == ReqOpen && req.IsDirectory() {
			return IOSuccess
		}
		return IOError
	}

	if req.IsDirectory() {
		return w.openDirectory(req, reqType, p, resolved, &dirent, status)
	}

	switch status {
	case fatx.StatusSuccess:
		// The file exists: FILE_CREATE is the one disposition that must
		// fail, FILE_OVERWRITE* and FILE_SUPERSEDE truncate, the rest open
		// as-is.
		if reqType == ReqCreate && !req.IsAlways() {
			return IOError
		}
		if access := fatx.CheckAccess(desiredAccess, 0, dirent.Attributes, false, lookupFlags); !access.Ok() {
			return wireStatus(access)
		}
		if req.IsTruncate() || (reqType == ReqCreate && req.IsAlways()) {
			if truncate := p.OverwriteDirentForFile(&dirent, 0, resolved.Tail); !truncate.Ok() {
				return wireStatus(truncate)
			}
			// The per-file host file shrinks with the chain.
			os.Truncate(w.hostFilePath(resolved), 0)
		}

	case fatx.StatusNameNotFound:
		// FILE_OPEN and FILE_OVERWRITE require an existing file.
		if reqType == ReqOpen && !req.IsAlways() && !req.IsTruncate() {
			return IOError
		}
		if reqType == ReqOpen && req.IsTruncate() && !req.IsAlways() {
			return IOError
		}
		if create := w.createFileDirent(p, resolved, &dirent); !create.Ok() {
			return wireStatus(create)
		}
		if access := fatx.CheckAccess(desiredAccess, 0, dirent.Attributes, true, lookupFlags); !access.Ok() {
			return wireStatus(access)
		}
		// The failed find reported the free slot the dirent was written
		// into; that offset is where size updates flush to.

	default:
		return wireStatus(status)
	}

	w.handles[req.AddressOrHandle] = &handleEntry{
		device:       fatx.DeviceHDD,
		partition:    p,
		tail:         resolved.Tail,
		dirent:       dirent,
		direntOffset: direntOffset,
	}
	return IOSuccess
}

// openDirectory handles the directory flavors of open and create.
func (w *Worker) openDirectory(req *Request, reqType RequestType, p *fatx.Partition, resolved fatx.ResolvedPath, dirent *fatx.Dirent, status fatx.Status) IOStatus {
	switch {
	case reqType == ReqOpen:
		if !status.Ok() {
			return wireStatus(status)
		}
		if access := fatx.CheckAccess(fileGenericRead, 0, dirent.Attributes, false, fatx.MustBeADir); !access.Ok() {
			return wireStatus(access)
		}
		// Open directory: nothing else to do.
		return IOSuccess

	case status == fatx.StatusNameNotFound:
		*dirent = fatx.Dirent{Attributes: fatx.AttrDirectory}
		if err := dirent.SetFileName(lastSegment(resolved.Tail)); err != nil {
			return IOError
		}
		if create := p.CreateDirentForFile(dirent, resolved.Tail); !create.Ok() {
			return wireStatus(create)
		}
		// Mirror the directory on the host so per-file host files can be
		// created inside it.
		if err := os.Mkdir(w.hostFilePath(resolved), 0o755); err != nil && !os.IsExist(err) {
			return IOError
		}
		return IOSuccess

	case status.Ok():
		// Create on an existing directory.
		return IOError

	default:
		return wireStatus(status)
	}
}

// createFileDirent writes a fresh zero-length dirent for the file and
// materializes its empty per-file host file.
func (w *Worker) createFileDirent(p *fatx.Partition, resolved fatx.ResolvedPath, dirent *fatx.Dirent) fatx.Status {
	*dirent = fatx.Dirent{}
	if err := dirent.SetFileName(lastSegment(resolved.Tail)); err != nil {
		return fatx.StatusFailed
	}
	if status := p.CreateDirentForFile(dirent, resolved.Tail); !status.Ok() {
		return status
	}

	f, err := os.OpenFile(w.hostFilePath(resolved), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fatx.StatusError
	}
	f.Close()
	return fatx.StatusSuccess
}

// hostFilePath returns where a guest path's bytes live on the host.
func (w *Worker) hostFilePath(resolved fatx.ResolvedPath) string {
	return filepath.Join(
		w.disk.Root(),
		fatx.HarddiskRelativePath(resolved.Partition, resolved.Tail),
	)
}

// lastSegment returns the final component of a FATX-relative tail.
func lastSegment(tail string) string {
	if i := strings.LastIndexByte(tail, filepath.Separator); i >= 0 {
		return tail[i+1:]
	}
	return tail
}

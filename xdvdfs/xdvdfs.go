// Package xdvdfs reads the directory tree of an Xbox DVD image (XISO). The
// format stores each directory as a binary tree of dirents keyed by
// case-insensitive file name, so lookups descend left or right by name
// comparison instead of scanning.
//
// Two image flavors exist: scrubbed images start with the game partition at
// offset 0, redump images embed it after the video partition. Both are
// recognized by the volume descriptor magic at sector 32 of the game
// partition.
package xdvdfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dargueta/fatx"
	"github.com/go-restruct/restruct"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "xdvdfs")

const (
	// SectorSize is the DVD sector size, in bytes.
	SectorSize = 2048
	// volumeDescriptorSector is where the volume descriptor lives inside the
	// game partition.
	volumeDescriptorSector = 32
	// RedumpGamePartitionOffset is where the game partition starts inside a
	// redump image.
	RedumpGamePartitionOffset = SectorSize * volumeDescriptorSector * 6192

	attrDirectory = 0x10

	// maxNameLength bounds an XDVDFS dirent name.
	maxNameLength = 255
)

// Magic is the 20-byte signature at both ends of the volume descriptor.
var Magic = []byte("MICROSOFT*XBOX*MEDIA")

// volumeDescriptor is the on-disk descriptor at sector 32.
type volumeDescriptor struct {
	Magic1             [20]byte
	RootDirentSector   uint32
	RootDirentFileSize uint32
	Timestamp          int64
	Unused             [1992]byte
	Magic2             [20]byte
}

// direntHeader is the fixed part of an on-disk dirent, followed by the name
// bytes.
const direntHeaderSize = 14

type direntEntry struct {
	LeftIdx    uint16
	RightIdx   uint16
	FileSector uint32
	FileSize   uint32
	Attributes uint8
	Name       string
}

// FileInfo is the result of a lookup.
type FileInfo struct {
	Exists      bool
	IsDirectory bool
	// Offset is the file's absolute byte offset inside the image.
	Offset uint64
	Size   uint32
	// Timestamp is the image's FILETIME mastering timestamp.
	Timestamp int64
}

// Image is a validated XISO.
type Image struct {
	r    io.ReaderAt
	name string
	// offset is the game partition's byte offset inside the image: zero for
	// scrubbed images, RedumpGamePartitionOffset for redump ones.
	offset     uint64
	rootSector uint32
	timestamp  int64
	closer     io.Closer
}

// Open validates an image file, probing the scrubbed layout first and the
// redump layout second.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	img, err := New(f, filepath.Base(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	img.closer = f
	return img, nil
}

// New validates an image served from any io.ReaderAt.
func New(r io.ReaderAt, name string) (*Image, error) {
	img := &Image{r: r, name: name}

	if img.validateAt(0) {
		log.Debug("detected scrubbed xiso file")
		return img, nil
	}
	if img.validateAt(RedumpGamePartitionOffset) {
		log.Debug("detected redump xiso file")
		return img, nil
	}
	return nil, fatx.StatusError.WithMessage(name + " is not a valid xiso image")
}

func (img *Image) validateAt(offset uint64) bool {
	raw := make([]byte, SectorSize)
	if _, err := img.r.ReadAt(raw, int64(offset+SectorSize*volumeDescriptorSector)); err != nil {
		return false
	}
	desc := &volumeDescriptor{}
	if err := restruct.Unpack(raw, binary.LittleEndian, desc); err != nil {
		return false
	}
	if !bytes.Equal(desc.Magic1[:], Magic) ||
		!bytes.Equal(desc.Magic2[:], Magic) ||
		desc.RootDirentSector == 0 ||
		desc.RootDirentFileSize == 0 {
		return false
	}

	img.offset = offset
	img.rootSector = desc.RootDirentSector
	img.timestamp = desc.Timestamp
	return true
}

// Name returns the image file name.
func (img *Image) Name() string {
	return img.name
}

// Timestamp returns the image's mastering timestamp.
func (img *Image) Timestamp() int64 {
	return img.timestamp
}

// ReadFileAt reads file data from an absolute byte offset inside the image,
// as returned by Search. Short reads at the end of the image are not an
// error; the count says how much is real.
func (img *Image) ReadFileAt(buf []byte, offset uint64) (int, error) {
	n, err := img.r.ReadAt(buf, int64(offset))
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// Close releases the underlying file when the image was opened from a path.
func (img *Image) Close() error {
	if img.closer != nil {
		return img.closer.Close()
	}
	return nil
}

// readDirent reads the dirent at a byte offset inside a directory's first
// sector.
func (img *Image) readDirent(sector uint32, direntOffset uint64) (direntEntry, bool) {
	raw := make([]byte, direntHeaderSize+maxNameLength)
	n, err := img.r.ReadAt(raw, int64(img.offset+uint64(sector)*SectorSize+direntOffset))
	if err != nil && err != io.EOF {
		return direntEntry{}, false
	}
	if n < direntHeaderSize {
		return direntEntry{}, false
	}

	nameLength := int(raw[13])
	if direntHeaderSize+nameLength > n {
		return direntEntry{}, false
	}
	return direntEntry{
		LeftIdx:    binary.LittleEndian.Uint16(raw[0:]),
		RightIdx:   binary.LittleEndian.Uint16(raw[2:]),
		FileSector: binary.LittleEndian.Uint32(raw[4:]),
		FileSize:   binary.LittleEndian.Uint32(raw[8:]),
		Attributes: raw[12],
		Name:       string(raw[direntHeaderSize : direntHeaderSize+nameLength]),
	}, true
}

// Search walks the binary directory tree for a path with host separators
// ("a/b/default.xbe"). The empty path opens the root directory of the DVD.
func (img *Image) Search(path string) FileInfo {
	if path == "" {
		return FileInfo{
			Exists:      true,
			IsDirectory: true,
			Offset:      img.offset,
			Timestamp:   img.timestamp,
		}
	}

	segments := strings.Split(path, string(filepath.Separator))
	sector := img.rootSector
	direntOffset := uint64(0)

	for i := 0; i < len(segments); {
		entry, ok := img.readDirent(sector, direntOffset)
		if !ok {
			return FileInfo{}
		}

		switch cmp := fatx.CompareNamesXbox(segments[i], entry.Name); {
		case cmp < 0:
			next := uint64(entry.LeftIdx) << 2
			if next == 0 || next <= direntOffset {
				// Bottom of the tree, or an offset that would loop.
				return FileInfo{}
			}
			direntOffset = next
		case cmp > 0:
			next := uint64(entry.RightIdx) << 2
			if next == 0 || next <= direntOffset {
				return FileInfo{}
			}
			direntOffset = next
		default:
			i++
			if i == len(segments) {
				return FileInfo{
					Exists:      true,
					IsDirectory: entry.Attributes&attrDirectory != 0,
					Offset:      img.offset + uint64(entry.FileSector)*SectorSize,
					Size:        entry.FileSize,
					Timestamp:   img.timestamp,
				}
			}
			// Some path remains, so we can only proceed if the matched
			// dirent is a directory.
			if entry.Attributes&attrDirectory == 0 {
				return FileInfo{}
			}
			sector = entry.FileSector
			direntOffset = 0
		}
	}
	return FileInfo{}
}

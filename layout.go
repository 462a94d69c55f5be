// On-disk structures. Everything in this file is bit-exact: the guest kernel
// reads these bytes through raw partition I/O, so layout drift is data
// corruption. Packing is done field by field with a bytewriter, unpacking
// with restruct; implicit struct padding is never trusted.

package fatx

import (
	"bytes"
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/noxer/bytewriter"
	"golang.org/x/text/encoding/unicode"
)

// PartitionTableMagic leads the partition table at the start of the config
// area.
var PartitionTableMagic = [16]byte{
	'*', '*', '*', '*', 'P', 'A', 'R', 'T', 'I', 'N', 'F', 'O', '*', '*', '*', '*',
}

// PartitionFlagInUse is set on a partition table entry that describes a live
// partition.
const PartitionFlagInUse = 0x80000000

// SuperblockSignature is the FATX volume signature. Serialized little-endian
// it reads "FATX" on disk.
const SuperblockSignature = uint32('X')<<24 | uint32('T')<<16 | uint32('A')<<8 | uint32('F')

const (
	superblockNameChars      = 32
	superblockOnlineDataSize = 2048
	superblockReservedSize   = 1968

	// PartitionTableSize is the serialized size of the partition table, in
	// bytes: magic, reserved area, and 14 entries.
	PartitionTableSize = 16 + 32 + 14*PartitionTableEntrySize
	// PartitionTableEntrySize is the serialized size of one table entry.
	PartitionTableEntrySize = 16 + 4*4
	// ClusterDataEntrySize is the serialized size of one cluster table entry.
	ClusterDataEntrySize = 16
	// ClusterEntriesPerPage is how many cluster table entries fit in one
	// table element.
	ClusterEntriesPerPage = PageSize / ClusterDataEntrySize
)

////////////////////////////////////////////////////////////////////////////////
// Partition table

// PartitionTableEntry describes one partition in the on-disk table.
type PartitionTableEntry struct {
	Name     [16]byte
	Flags    uint32
	LBAStart uint32
	LBASize  uint32
	Reserved uint32
}

// InUse reports whether the entry describes a live partition.
func (e *PartitionTableEntry) InUse() bool {
	return e.Flags&PartitionFlagInUse != 0
}

// ByteStart returns the partition's first byte offset on the emulated disk.
func (e *PartitionTableEntry) ByteStart() uint64 {
	return uint64(e.LBAStart) * SectorSize
}

// ByteSize returns the partition's length in bytes.
func (e *PartitionTableEntry) ByteSize() uint64 {
	return uint64(e.LBASize) * SectorSize
}

// PartitionTable is the table at the start of the config area. Entries beyond
// the five stock partitions are blank unless homebrew repartitioned the disk.
type PartitionTable struct {
	Magic    [16]byte
	Reserved [32]byte
	Entries  [14]PartitionTableEntry
}

// Pack serializes the table into its exact on-disk form.
func (t *PartitionTable) Pack() []byte {
	out := make([]byte, PartitionTableSize)
	w := bytewriter.New(out)
	w.Write(t.Magic[:])
	w.Write(t.Reserved[:])
	for i := range t.Entries {
		e := &t.Entries[i]
		w.Write(e.Name[:])
		binary.Write(w, binary.LittleEndian, e.Flags)
		binary.Write(w, binary.LittleEndian, e.LBAStart)
		binary.Write(w, binary.LittleEndian, e.LBASize)
		binary.Write(w, binary.LittleEndian, e.Reserved)
	}
	return out
}

// UnpackPartitionTable deserializes a table from its on-disk form.
func UnpackPartitionTable(raw []byte) (*PartitionTable, error) {
	table := &PartitionTable{}
	err := restruct.Unpack(raw, binary.LittleEndian, table)
	if err != nil {
		return nil, StatusError.WrapError(err)
	}
	return table, nil
}

// HasValidMagic reports whether the table carries the PARTINFO magic. A
// config area written by something other than the stock dashboard may not.
func (t *PartitionTable) HasValidMagic() bool {
	return bytes.Equal(t.Magic[:], PartitionTableMagic[:])
}

////////////////////////////////////////////////////////////////////////////////
// Superblock

// Superblock is the 4 KiB FATX volume header.
type Superblock struct {
	Signature      uint32
	VolumeID       uint32
	ClusterSectors uint32
	RootDirCluster uint32
	// Name holds up to 32 UTF-16LE characters.
	Name       [superblockNameChars * 2]byte
	OnlineData [superblockOnlineDataSize]byte
	Reserved   [superblockReservedSize]byte
}

// Pack serializes the superblock into its exact on-disk form.
func (sb *Superblock) Pack() []byte {
	out := make([]byte, SuperblockSize)
	w := bytewriter.New(out)
	binary.Write(w, binary.LittleEndian, sb.Signature)
	binary.Write(w, binary.LittleEndian, sb.VolumeID)
	binary.Write(w, binary.LittleEndian, sb.ClusterSectors)
	binary.Write(w, binary.LittleEndian, sb.RootDirCluster)
	w.Write(sb.Name[:])
	w.Write(sb.OnlineData[:])
	w.Write(sb.Reserved[:])
	return out
}

// UnpackSuperblock deserializes a superblock from its on-disk form.
func UnpackSuperblock(raw []byte) (*Superblock, error) {
	sb := &Superblock{}
	err := restruct.Unpack(raw, binary.LittleEndian, sb)
	if err != nil {
		return nil, StatusError.WrapError(err)
	}
	return sb, nil
}

// ValidClusterSectors reports whether the cluster size is one of the sector
// counts real volumes use. Anything else means the superblock is damaged or
// foreign.
func (sb *Superblock) ValidClusterSectors() bool {
	switch sb.ClusterSectors {
	case 1, 2, 4, 8, 16, 32, 64, 128:
		return true
	}
	return false
}

// ClusterSize returns the cluster size in bytes.
func (sb *Superblock) ClusterSize() uint64 {
	return uint64(sb.ClusterSectors) * SectorSize
}

// VolumeName decodes the UTF-16LE volume name, stopping at the first NUL.
func (sb *Superblock) VolumeName() string {
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	decoded, err := decoder.Bytes(sb.Name[:])
	if err != nil {
		return ""
	}
	if end := bytes.IndexByte(decoded, 0); end >= 0 {
		decoded = decoded[:end]
	}
	return string(decoded)
}

// SetVolumeName encodes a volume name as UTF-16LE, truncating to the 32
// characters the superblock can hold.
func (sb *Superblock) SetVolumeName(name string) error {
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := encoder.Bytes([]byte(name))
	if err != nil {
		return err
	}
	if len(encoded) > len(sb.Name) {
		encoded = encoded[:len(sb.Name)]
	}
	for i := range sb.Name {
		sb.Name[i] = 0
	}
	copy(sb.Name[:], encoded)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Dirent

// Dirent is a 64-byte FATX directory entry.
type Dirent struct {
	NameLength     uint8
	Attributes     uint8
	Name           [MaxNameLength]byte
	FirstCluster   uint32
	Size           uint32
	CreationTime   uint32
	LastWriteTime  uint32
	LastAccessTime uint32
}

// Pack serializes the dirent into its exact on-disk form.
func (d *Dirent) Pack() []byte {
	out := make([]byte, DirentSize)
	w := bytewriter.New(out)
	w.Write([]byte{d.NameLength, d.Attributes})
	w.Write(d.Name[:])
	binary.Write(w, binary.LittleEndian, d.FirstCluster)
	binary.Write(w, binary.LittleEndian, d.Size)
	binary.Write(w, binary.LittleEndian, d.CreationTime)
	binary.Write(w, binary.LittleEndian, d.LastWriteTime)
	binary.Write(w, binary.LittleEndian, d.LastAccessTime)
	return out
}

// UnpackDirent deserializes a dirent from a 64-byte slice.
func UnpackDirent(raw []byte) (Dirent, error) {
	d := Dirent{}
	err := restruct.Unpack(raw, binary.LittleEndian, &d)
	if err != nil {
		return Dirent{}, StatusError.WrapError(err)
	}
	return d, nil
}

// IsDirectory reports whether the dirent describes a directory.
func (d *Dirent) IsDirectory() bool {
	return d.Attributes&AttrDirectory != 0
}

// FileName returns the dirent's name as a string. The result is garbage for
// sentinel entries.
func (d *Dirent) FileName() string {
	n := int(d.NameLength)
	if n > MaxNameLength {
		n = MaxNameLength
	}
	return string(d.Name[:n])
}

// SetFileName stores a name, rejecting anything longer than MaxNameLength.
func (d *Dirent) SetFileName(name string) error {
	if len(name) > MaxNameLength {
		return StatusFailed.WithMessage("file name longer than 42 bytes: " + name)
	}
	d.NameLength = uint8(len(name))
	for i := range d.Name {
		d.Name[i] = 0
	}
	copy(d.Name[:], name)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// User data area

// UserDataArea is the host-only 4 KiB header of every non-zero partition
// file. The guest never sees it.
type UserDataArea struct {
	Reserved1       [4084]byte
	LastClusterUsed uint32
	IsCorrupted     uint8
	Reserved2       [3]byte
	Version         uint32
}

// Pack serializes the user data area into its exact on-disk form.
func (u *UserDataArea) Pack() []byte {
	out := make([]byte, UserDataAreaSize)
	w := bytewriter.New(out)
	w.Write(u.Reserved1[:])
	binary.Write(w, binary.LittleEndian, u.LastClusterUsed)
	w.Write([]byte{u.IsCorrupted})
	w.Write(u.Reserved2[:])
	binary.Write(w, binary.LittleEndian, u.Version)
	return out
}

// UnpackUserDataArea deserializes a user data area.
func UnpackUserDataArea(raw []byte) (*UserDataArea, error) {
	u := &UserDataArea{}
	err := restruct.Unpack(raw, binary.LittleEndian, u)
	if err != nil {
		return nil, StatusError.WrapError(err)
	}
	return u, nil
}

////////////////////////////////////////////////////////////////////////////////
// Cluster table entries

// ClusterKind tags what a FAT cluster is backed by on the host.
type ClusterKind uint16

const (
	// ClusterFreed marks a cluster not in use.
	ClusterFreed = ClusterKind(iota)
	// ClusterFile marks a cluster whose bytes live inside a per-file host
	// file; the table entry points at the stored relative path.
	ClusterFile
	// ClusterDirectory marks a cluster holding a dirent stream inside the
	// partition blob.
	ClusterDirectory
	// ClusterRaw marks a cluster written through raw partition I/O, stored
	// inline in the partition blob.
	ClusterRaw
)

// ClusterDataEntry is the 16-byte on-disk form of one cluster table slot.
type ClusterDataEntry struct {
	Kind uint16
	// Size is the stored path length for file clusters, zero otherwise.
	Size uint16
	// Info is the cluster's ordinal within its file chain for file clusters,
	// zero otherwise.
	Info uint32
	// Offset locates the dirent stream or raw cluster (directory/raw) or the
	// stored path string (file) in the partition blob.
	Offset uint64
}

// Pack serializes the entry into its exact on-disk form.
func (e *ClusterDataEntry) Pack() []byte {
	out := make([]byte, ClusterDataEntrySize)
	w := bytewriter.New(out)
	binary.Write(w, binary.LittleEndian, e.Kind)
	binary.Write(w, binary.LittleEndian, e.Size)
	binary.Write(w, binary.LittleEndian, e.Info)
	binary.Write(w, binary.LittleEndian, e.Offset)
	return out
}

// PackInto serializes the entry into a cluster table element at the given
// slot.
func (e *ClusterDataEntry) PackInto(page []byte, slot int) {
	copy(page[slot*ClusterDataEntrySize:], e.Pack())
}

// UnpackClusterDataEntry deserializes one table entry.
func UnpackClusterDataEntry(raw []byte) (ClusterDataEntry, error) {
	e := ClusterDataEntry{}
	err := restruct.Unpack(raw, binary.LittleEndian, &e)
	if err != nil {
		return ClusterDataEntry{}, StatusError.WrapError(err)
	}
	return e, nil
}

////////////////////////////////////////////////////////////////////////////////
// Decoded cluster storage info

// ClusterInfo is the decoded, host-side meaning of a cluster table entry.
// Exactly one of the concrete types below implements it, which keeps the
// "path only exists for file clusters" invariant in the type system.
type ClusterInfo interface {
	Kind() ClusterKind
}

// FreedCluster is a cluster not in use.
type FreedCluster struct{}

// FileCluster is a cluster backed by a per-file host file.
type FileCluster struct {
	// ChainIndex is the cluster's ordinal within the file's chain.
	ChainIndex uint32
	// RelativePath is the file's path under Harddisk/, e.g.
	// "Harddisk/Partition2/dir/a.bin".
	RelativePath string
	// PathOffset is where the path string is stored in the partition blob.
	PathOffset uint64
}

// DirectoryCluster is a dirent stream cluster stored in the partition blob.
type DirectoryCluster struct {
	HostOffset uint64
}

// RawCluster is a raw cluster stored in the partition blob.
type RawCluster struct {
	HostOffset uint64
}

func (FreedCluster) Kind() ClusterKind     { return ClusterFreed }
func (FileCluster) Kind() ClusterKind      { return ClusterFile }
func (DirectoryCluster) Kind() ClusterKind { return ClusterDirectory }
func (RawCluster) Kind() ClusterKind       { return ClusterRaw }

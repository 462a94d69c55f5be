// Wire format of the kernel communication protocol. These definitions are
// shared with the guest kernel's I/O submission code and must stay bit-exact
// with it.

package driver

import "encoding/binary"

// IOStatus is the wire status published back to the guest.
type IOStatus uint32

const (
	IOSuccess = IOStatus(iota)
	IOPending
	IOError
)

// RequestType occupies the high 16 bits of a request's type word.
type RequestType uint32

const (
	ReqOpen   = RequestType(1 << 16)
	ReqCreate = RequestType(2 << 16)
	ReqRemove = RequestType(3 << 16)
	ReqClose  = RequestType(4 << 16)
	ReqRead   = RequestType(5 << 16)
	ReqWrite  = RequestType(6 << 16)
)

// Request flags live in the low 16 bits of the type word, with the device in
// bits 12-15.
const (
	FlagDirectory = 1
	FlagAlways    = 2
	FlagTruncate  = 4

	DeviceDVD = 0 << 12
	DeviceHDD = 1 << 12

	typeMask   = 0xFFFF0000
	deviceMask = 0x0000F000
)

// PackedRequestSize is the size of the request descriptor the guest stages
// in memory.
const PackedRequestSize = 28

// Request is the host-side form of one guest I/O request.
type Request struct {
	// ID uniquely identifies this request; completions are keyed by it.
	ID   uint32
	Type uint32
	// Offset is the file offset from which to start the I/O.
	Offset int64
	// Size is the number of bytes to transfer, or the path length for
	// open/create requests.
	Size uint32
	// AddressOrHandle is the guest address of the data to transfer, or the
	// target handle for open/create requests.
	AddressOrHandle uint32
	// Handle is the source handle, or for open/create the guest address the
	// path string was read from.
	Handle uint32
	// Path is the UTF-8 path for open/create requests.
	Path string
}

// DecodeRequest unpacks the guest's packed request descriptor.
func DecodeRequest(raw []byte) Request {
	return Request{
		ID:              binary.LittleEndian.Uint32(raw[0:]),
		Type:            binary.LittleEndian.Uint32(raw[4:]),
		Offset:          int64(binary.LittleEndian.Uint64(raw[8:])),
		Size:            binary.LittleEndian.Uint32(raw[16:]),
		AddressOrHandle: binary.LittleEndian.Uint32(raw[20:]),
		Handle:          binary.LittleEndian.Uint32(raw[24:]),
	}
}

// EncodeRequest packs a request into its wire form. The worker never needs
// this; tests and tooling that fake a guest do.
func EncodeRequest(req Request) []byte {
	raw := make([]byte, PackedRequestSize)
	binary.LittleEndian.PutUint32(raw[0:], req.ID)
	binary.LittleEndian.PutUint32(raw[4:], req.Type)
	binary.LittleEndian.PutUint64(raw[8:], uint64(req.Offset))
	binary.LittleEndian.PutUint32(raw[16:], req.Size)
	binary.LittleEndian.PutUint32(raw[20:], req.AddressOrHandle)
	binary.LittleEndian.PutUint32(raw[24:], req.Handle)
	return raw
}

// RequestType extracts the operation from the type word.
func (req *Request) RequestType() RequestType {
	return RequestType(req.Type & typeMask)
}

// IsDirectory reports whether the request targets a directory.
func (req *Request) IsDirectory() bool {
	return req.Type&FlagDirectory != 0
}

// IsAlways reports the ALWAYS disposition flag.
func (req *Request) IsAlways() bool {
	return req.Type&FlagAlways != 0
}

// IsTruncate reports the TRUNCATE disposition flag.
func (req *Request) IsTruncate() bool {
	return req.Type&FlagTruncate != 0
}

// IsHDD reports whether the request targets the hard disk device.
func (req *Request) IsHDD() bool {
	return req.Type&deviceMask == DeviceHDD
}

// InfoBlock is the completion published back to the guest through the
// status/info register pair.
type InfoBlock struct {
	Status IOStatus
	Info   uint32
}

package fatx

////////////////////////////////////////////////////////////////////////////////
// Dirent attribute flags

const (
	// AttrReadOnly marks a file that rejects write access.
	AttrReadOnly = 0x01
	// AttrDirectory marks a dirent whose first cluster starts a dirent stream.
	AttrDirectory = 0x10
)

////////////////////////////////////////////////////////////////////////////////
// Create options

// CreateDeleteOnClose asks the kernel to delete the file when its last handle
// closes. It is rejected on read-only files.
const CreateDeleteOnClose = 0x00001000

////////////////////////////////////////////////////////////////////////////////
// Access masks
//
// These constants mirror the ones compiled into the guest kernel and cannot
// change independently of it.

const (
	// ValidDirectoryAccess is the set of access bits a directory handle may
	// request.
	ValidDirectoryAccess = 0x11F01FF
	// ValidFileAccess is the set of access bits a file handle may request.
	ValidFileAccess = 0x11F01FF
	// AccessImpliesWrite is the set of access bits that do NOT require write
	// permission; requesting anything outside it on a read-only file fails.
	AccessImpliesWrite = 0x11F01B9
)

////////////////////////////////////////////////////////////////////////////////
// Lookup flags

// LookupFlags adjust how an access check treats the dirent it found.
type LookupFlags uint32

const (
	// MustBeADir fails the check with StatusNotADirectory unless the dirent
	// is a directory.
	MustBeADir = LookupFlags(1 << iota)
	// MustNotBeADir fails the check with StatusIsADirectory if the dirent is
	// a directory.
	MustNotBeADir
)

// CheckAccess verifies a guest access request against a dirent's attributes.
// isCreate is true when the dirent was just created by this request, in which
// case the read-only attribute was chosen by the caller and does not restrict
// it.
func CheckAccess(desiredAccess, createOptions uint32, attributes uint8, isCreate bool, flags LookupFlags) Status {
	if flags&MustBeADir != 0 && attributes&AttrDirectory == 0 {
		return StatusNotADirectory
	} else if flags&MustNotBeADir != 0 && attributes&AttrDirectory != 0 {
		return StatusIsADirectory
	}

	if attributes&AttrDirectory != 0 {
		if desiredAccess&^uint32(ValidDirectoryAccess) != 0 {
			return StatusFailed
		}
	} else {
		if desiredAccess&^uint32(ValidFileAccess) != 0 {
			return StatusFailed
		}
	}

	// The read-only check happens here because the kernel upstream doesn't
	// know the attributes stored in the dirent.
	if attributes&AttrReadOnly != 0 {
		if !isCreate && desiredAccess&^uint32(AccessImpliesWrite) != 0 {
			return StatusFailed
		}
		if createOptions&CreateDeleteOnClose != 0 {
			return StatusCannotDelete
		}
	}

	return StatusSuccess
}

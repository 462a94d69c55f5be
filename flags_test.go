package fatx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckAccess(t *testing.T) {
	cases := []struct {
		name          string
		desiredAccess uint32
		createOptions uint32
		attributes    uint8
		isCreate      bool
		flags         LookupFlags
		want          Status
	}{
		{
			name:          "plain read on a file",
			desiredAccess: 0x0001,
			want:          StatusSuccess,
		},
		{
			name:          "full valid mask on a directory",
			desiredAccess: ValidDirectoryAccess,
			attributes:    AttrDirectory,
			want:          StatusSuccess,
		},
		{
			name:          "bits outside the valid mask",
			desiredAccess: 0x80000000,
			want:          StatusFailed,
		},
		{
			name:          "file where a directory is required",
			desiredAccess: 0x0001,
			flags:         MustBeADir,
			want:          StatusNotADirectory,
		},
		{
			name:          "directory where a file is required",
			desiredAccess: 0x0001,
			attributes:    AttrDirectory,
			flags:         MustNotBeADir,
			want:          StatusIsADirectory,
		},
		{
			name:          "write access to a read-only file",
			desiredAccess: ValidFileAccess &^ AccessImpliesWrite,
			attributes:    AttrReadOnly,
			want:          StatusFailed,
		},
		{
			name:          "write access to a read-only file being created",
			desiredAccess: ValidFileAccess &^ AccessImpliesWrite,
			attributes:    AttrReadOnly,
			isCreate:      true,
			want:          StatusSuccess,
		},
		{
			name:          "delete-on-close on a read-only file",
			desiredAccess: 0x0001,
			createOptions: CreateDeleteOnClose,
			attributes:    AttrReadOnly,
			want:          StatusCannotDelete,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := CheckAccess(c.desiredAccess, c.createOptions, c.attributes, c.isCreate, c.flags)
			assert.Equal(t, c.want, got)
		})
	}
}

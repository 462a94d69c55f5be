package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		ID:              42,
		Type:            uint32(ReqWrite) | DeviceHDD,
		Offset:          -8,
		Size:            512,
		AddressOrHandle: 0x80001000,
		Handle:          7,
	}

	raw := EncodeRequest(req)
	assert.Len(t, raw, PackedRequestSize)
	decoded := DecodeRequest(raw)
	assert.Equal(t, req, decoded)
}

func TestRequestFlagHelpers(t *testing.T) {
	req := Request{Type: uint32(ReqOpen) | FlagDirectory | FlagTruncate | DeviceHDD}
	assert.Equal(t, ReqOpen, req.RequestType())
	assert.True(t, req.IsDirectory())
	assert.True(t, req.IsTruncate())
	assert.False(t, req.IsAlways())
	assert.True(t, req.IsHDD())

	dvd := Request{Type: uint32(ReqRead) | DeviceDVD}
	assert.Equal(t, ReqRead, dvd.RequestType())
	assert.False(t, dvd.IsHDD())
}

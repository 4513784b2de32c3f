package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := &IoDescriptor{
		RequestType: RequestWrite,
		Sector:      8,
		SectorCount: 2,
		DiskID:      3,
		ReqNum:      42,
		Result:      ResultOK,
		BypassLock:  true,
		FlushCache:  true,
	}
	buf := make([]byte, HeaderSize)
	require.NoError(t, Encode(d, buf))
	require.Len(t, buf, HeaderSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestValidateRejectsZeroSectorRead(t *testing.T) {
	d := &IoDescriptor{RequestType: RequestRead, SectorCount: 0}
	require.ErrorIs(t, d.Validate(), ErrInvalidZeroRead)
}

func TestValidateRejectsOversizePayload(t *testing.T) {
	d := &IoDescriptor{RequestType: RequestWrite, SectorCount: MaxPayloadBytes/SectorSize + 1}
	require.ErrorIs(t, d.Validate(), ErrPayloadTooLarge)
}

func TestFlushIsZeroSectorWrite(t *testing.T) {
	d := &IoDescriptor{RequestType: RequestWrite, SectorCount: 0}
	require.True(t, d.IsFlush())
	require.NoError(t, d.Validate()) // flush is legal despite being zero-sector

	r := &IoDescriptor{RequestType: RequestRead, SectorCount: 1}
	require.False(t, r.IsFlush())
}

func TestPayloadLenDirectionDependent(t *testing.T) {
	read := &IoDescriptor{RequestType: RequestRead, SectorCount: 4}
	require.Equal(t, 0, read.PayloadLen(false), "client->server READ carries no payload")
	require.Equal(t, 4*SectorSize, read.PayloadLen(true), "successful server->client READ reply carries payload")

	read.Result = ResultEIO
	require.Equal(t, 0, read.PayloadLen(true), "failed READ reply carries no payload")

	write := &IoDescriptor{RequestType: RequestWrite, SectorCount: 3, Result: ResultOK}
	require.Equal(t, 3*SectorSize, write.PayloadLen(false), "client->server WRITE carries payload")
	require.Equal(t, 0, write.PayloadLen(true), "WRITE reply never carries a payload")
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrShortBuffer)
}

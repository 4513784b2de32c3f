// Package wire implements the NBD data-plane wire format: the fixed-size
// IoDescriptor header and the framing rule that governs when a payload
// follows it on the stream.
//
// Layout (little-endian, packed, HeaderSize bytes) follows the original
// Exanodes nbd_io_desc_t, minus the in-memory buffer pointer the original
// serialized by mistake (see DESIGN.md, REDESIGN FLAGS):
//
//	u32 request_type   # RequestRead=236, RequestWrite=237
//	u64 sector
//	u32 sector_count
//	i8  disk_id
//	u64 req_num
//	i8  result
//	u8  bypass_lock
//	u8  flush_cache
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// RequestType identifies the operation an IoDescriptor carries.
type RequestType uint32

const (
	RequestRead  RequestType = 236
	RequestWrite RequestType = 237
)

func (t RequestType) Valid() bool {
	return t == RequestRead || t == RequestWrite
}

func (t RequestType) String() string {
	switch t {
	case RequestRead:
		return "READ"
	case RequestWrite:
		return "WRITE"
	default:
		return "INVALID"
	}
}

// Result codes carried in the wire header's result byte.
const (
	ResultOK        int8 = 0
	ResultEIO       int8 = -5  // matches POSIX EIO
	ResultEAGAIN    int8 = -11 // matches POSIX EAGAIN
	ResultEINVAL    int8 = -22 // matches POSIX EINVAL
	ResultNoConnect int8 = -100
)

// SectorSize is the fixed logical sector size assumed throughout the data
// plane, matching the original's hardcoded 512-byte shift.
const SectorSize = 512

// MaxPayloadBytes is the transport-level cap on a single message's payload,
// unifying the several ad hoc 256KiB fragmentation points in the original
// RDEV code (spec.md §9, Open Questions).
const MaxPayloadBytes = 262144

// fieldBytes is the sum of the header's actual fields. HeaderSize is larger
// (frozen at 34 bytes, spec.md §6.1) to leave reserved padding the way the
// original's packed-but-padded nbd_io_desc_t did; the reserved bytes are
// always zeroed on encode and ignored on decode.
const fieldBytes = 4 + 8 + 4 + 1 + 8 + 1 + 1 + 1

// HeaderSize is the number of bytes the header occupies on the wire. It is
// frozen at first deployment per spec.md §6.1 and must never change.
const HeaderSize = 34

var (
	// ErrInvalidZeroRead is returned by Validate for a zero-sector READ;
	// spec.md §9 resolves the original's ambiguity by rejecting this.
	ErrInvalidZeroRead = errors.New("wire: zero-sector READ is invalid")
	// ErrPayloadTooLarge is returned when an IoDescriptor's implied
	// payload would exceed MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds MaxPayloadBytes")
	ErrInvalidType     = errors.New("wire: invalid request_type")
	ErrShortBuffer     = errors.New("wire: buffer shorter than HeaderSize")
)

// IoDescriptor is the decoded form of the wire header.
type IoDescriptor struct {
	RequestType RequestType
	Sector      uint64
	SectorCount uint32
	DiskID      int8
	ReqNum      uint64
	Result      int8
	BypassLock  bool
	FlushCache  bool
}

// PayloadLen returns the number of payload bytes that follow this header,
// per the direction-dependent framing rule of spec.md §3/§6.1:
//   - client -> server: READ carries no payload, WRITE carries
//     SectorCount*SectorSize bytes.
//   - server -> client: successful READ carries SectorCount*SectorSize
//     bytes, everything else carries none (SectorCount must be zeroed by
//     the sender in that case, see ZeroPayload).
//
// isReply distinguishes the two directions; the caller (transport /
// diskengine / server / client) knows which direction it is decoding.
func (d *IoDescriptor) PayloadLen(isReply bool) int {
	if isReply {
		if d.RequestType != RequestRead || d.Result != ResultOK {
			return 0
		}
		return int(d.SectorCount) * SectorSize
	}
	if d.RequestType == RequestRead {
		return 0
	}
	return int(d.SectorCount) * SectorSize
}

// IsFlush reports whether this descriptor represents a flush/barrier
// request: a WRITE with a zero sector count (spec.md §4.3, §9).
func (d *IoDescriptor) IsFlush() bool {
	return d.RequestType == RequestWrite && d.SectorCount == 0
}

// ZeroPayload clears SectorCount so a reply carries no trailing payload,
// matching the original's "sender zeroes sector_count on replies that carry
// no data" obligation.
func (d *IoDescriptor) ZeroPayload() {
	d.SectorCount = 0
}

// Validate enforces the wire-level invariants that do not depend on
// direction: valid request type, payload size cap, and the zero-sector
// READ rejection.
func (d *IoDescriptor) Validate() error {
	if !d.RequestType.Valid() {
		return ErrInvalidType
	}
	if d.RequestType == RequestRead && d.SectorCount == 0 {
		return ErrInvalidZeroRead
	}
	if uint64(d.SectorCount)*SectorSize > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

// Encode writes the header into dst, which must be at least HeaderSize
// bytes long.
func Encode(d *IoDescriptor, dst []byte) error {
	if len(dst) < HeaderSize {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:4], uint32(d.RequestType))
	binary.LittleEndian.PutUint64(dst[4:12], d.Sector)
	binary.LittleEndian.PutUint32(dst[12:16], d.SectorCount)
	dst[16] = byte(d.DiskID)
	binary.LittleEndian.PutUint64(dst[17:25], d.ReqNum)
	dst[25] = byte(d.Result)
	dst[26] = boolToByte(d.BypassLock)
	dst[27] = boolToByte(d.FlushCache)
	for i := fieldBytes; i < HeaderSize; i++ {
		dst[i] = 0
	}
	return nil
}

// Decode parses a header from src, which must be at least HeaderSize bytes
// long. It does not call Validate; callers decide when validation applies
// (a reply's echoed fields may legitimately differ from a fresh request's).
func Decode(src []byte) (*IoDescriptor, error) {
	if len(src) < HeaderSize {
		return nil, ErrShortBuffer
	}
	d := &IoDescriptor{
		RequestType: RequestType(binary.LittleEndian.Uint32(src[0:4])),
		Sector:      binary.LittleEndian.Uint64(src[4:12]),
		SectorCount: binary.LittleEndian.Uint32(src[12:16]),
		DiskID:      int8(src[16]),
		ReqNum:      binary.LittleEndian.Uint64(src[17:25]),
		Result:      int8(src[25]),
		BypassLock:  src[26] != 0,
		FlushCache:  src[27] != 0,
	}
	return d, nil
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

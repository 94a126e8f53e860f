package cmdlog

import (
	"encoding/binary"
	"errors"
)

const (
	// HeaderSize is the fixed on-disk length of a record header.
	HeaderSize = 8
	// RecordMinSize is the smallest record the log accepts: an 8 byte
	// header plus an 8 byte body. It determines the flush queue size.
	RecordMinSize = 16
	// MaxRecordSize bounds a whole record, header included. The recovery
	// read buffer is allocated at this size.
	MaxRecordSize = 2 * 1024 * 1024
)

// ErrOutOfMemory is returned (wrapped) by a Redoer when the engine cannot
// allocate for a replayed command. Recovery aborts on it; any other redo
// error is logged and skipped.
var ErrOutOfMemory = errors.New("out of memory")

// ErrCorruptRecord is returned by FileApply when a record header carries a
// body length beyond MaxRecordSize-HeaderSize.
var ErrCorruptRecord = errors.New("corrupt log record")

// Header is the leading 8 bytes of every record. The body layout behind it
// belongs to the codec; the log only needs BodyLength to frame records.
type Header struct {
	BodyLength uint32
	LogType    uint8
	UpdType    uint8
}

// PutHeader encodes hdr into the first HeaderSize bytes of dst.
func PutHeader(dst []byte, hdr Header) {
	binary.LittleEndian.PutUint32(dst[0:4], hdr.BodyLength)
	dst[4] = hdr.LogType
	dst[5] = hdr.UpdType
	dst[6] = 0
	dst[7] = 0
}

// ParseHeader decodes a header from the first HeaderSize bytes of src.
func ParseHeader(src []byte) Header {
	return Header{
		BodyLength: binary.LittleEndian.Uint32(src[0:4]),
		LogType:    src[4],
		UpdType:    src[5],
	}
}

// Record is a serialized command produced by the codec. Encode must fill
// exactly HeaderSize+BodyLength() bytes: the header first, the body behind
// it.
type Record interface {
	BodyLength() uint32
	Encode(dst []byte)
}

// Redoer replays a decoded record against engine state during recovery.
type Redoer interface {
	Redo(hdr Header, body []byte) error
}

// Waiter is stamped with the LSN assigned to a record so the caller can
// later block until that record is flushed.
type Waiter struct {
	LSN LogSN
}

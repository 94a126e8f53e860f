// Package cmdrec is the command-log record codec. It maps cache commands
// to log record bodies and replays decoded records against the keyspace
// during recovery. Bodies are fixed little-endian layouts behind the 8
// byte cmdlog header; every body carries a fixed prefix of at least 8
// bytes so no record falls under cmdlog.RecordMinSize.
package cmdrec

import (
	"encoding/binary"
	"fmt"

	"github.com/memstash/memstash/cache"
	"github.com/memstash/memstash/executor/cmdlog"
)

// Log record types.
const (
	LogTypeSet      = 1
	LogTypeDelete   = 2
	LogTypeFlushAll = 3
)

const (
	maxKeyLength  = 1 << 16 // uint16 key length on the wire
	setPrefixLen  = 16      // expireAt(8) keyLen(2) pad(2) valLen(4)
	delPrefixLen  = 8       // keyLen(2) pad(6)
	flushBodyLen  = 8       // pad only
	maxBodyLength = cmdlog.MaxRecordSize - cmdlog.HeaderSize
)

// SetRecord journals a Set command.
type SetRecord struct {
	Key      string
	Value    []byte
	ExpireAt int64
}

// NewSetRecord validates sizes before the record reaches the log: the key
// must fit its uint16 length field and the whole body must stay under the
// log's record bound.
func NewSetRecord(key string, value []byte, expireAt int64) (*SetRecord, error) {
	if len(key) == 0 || len(key) >= maxKeyLength {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	if setPrefixLen+len(key)+len(value) > maxBodyLength {
		return nil, fmt.Errorf("value too large for command log: %d bytes", len(value))
	}
	return &SetRecord{Key: key, Value: value, ExpireAt: expireAt}, nil
}

func (r *SetRecord) BodyLength() uint32 {
	return uint32(setPrefixLen + len(r.Key) + len(r.Value))
}

func (r *SetRecord) Encode(dst []byte) {
	cmdlog.PutHeader(dst, cmdlog.Header{BodyLength: r.BodyLength(), LogType: LogTypeSet})
	body := dst[cmdlog.HeaderSize:]
	binary.LittleEndian.PutUint64(body[0:8], uint64(r.ExpireAt))
	binary.LittleEndian.PutUint16(body[8:10], uint16(len(r.Key)))
	binary.LittleEndian.PutUint16(body[10:12], 0)
	binary.LittleEndian.PutUint32(body[12:16], uint32(len(r.Value)))
	copy(body[setPrefixLen:], r.Key)
	copy(body[setPrefixLen+len(r.Key):], r.Value)
}

// DeleteRecord journals a Delete command.
type DeleteRecord struct {
	Key string
}

func NewDeleteRecord(key string) (*DeleteRecord, error) {
	if len(key) == 0 || len(key) >= maxKeyLength {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	return &DeleteRecord{Key: key}, nil
}

func (r *DeleteRecord) BodyLength() uint32 {
	return uint32(delPrefixLen + len(r.Key))
}

func (r *DeleteRecord) Encode(dst []byte) {
	cmdlog.PutHeader(dst, cmdlog.Header{BodyLength: r.BodyLength(), LogType: LogTypeDelete})
	body := dst[cmdlog.HeaderSize:]
	binary.LittleEndian.PutUint16(body[0:2], uint16(len(r.Key)))
	for i := 2; i < delPrefixLen; i++ {
		body[i] = 0
	}
	copy(body[delPrefixLen:], r.Key)
}

// FlushAllRecord journals a FlushAll command.
type FlushAllRecord struct{}

func (r *FlushAllRecord) BodyLength() uint32 { return flushBodyLen }

func (r *FlushAllRecord) Encode(dst []byte) {
	cmdlog.PutHeader(dst, cmdlog.Header{BodyLength: r.BodyLength(), LogType: LogTypeFlushAll})
	body := dst[cmdlog.HeaderSize : cmdlog.HeaderSize+flushBodyLen]
	for i := range body {
		body[i] = 0
	}
}

// Codec replays decoded records against the keyspace. It implements
// cmdlog.Redoer.
type Codec struct {
	Store *cache.Cache
}

func (c *Codec) Redo(hdr cmdlog.Header, body []byte) error {
	switch hdr.LogType {
	case LogTypeSet:
		if len(body) < setPrefixLen {
			return fmt.Errorf("set record body too short: %d", len(body))
		}
		expireAt := int64(binary.LittleEndian.Uint64(body[0:8]))
		keyLen := int(binary.LittleEndian.Uint16(body[8:10]))
		valLen := int(binary.LittleEndian.Uint32(body[12:16]))
		if setPrefixLen+keyLen+valLen != len(body) {
			return fmt.Errorf("set record length mismatch: key=%d val=%d body=%d",
				keyLen, valLen, len(body))
		}
		key := string(body[setPrefixLen : setPrefixLen+keyLen])
		value := make([]byte, valLen)
		copy(value, body[setPrefixLen+keyLen:])
		c.Store.Set(key, value, expireAt)
		return nil
	case LogTypeDelete:
		if len(body) < delPrefixLen {
			return fmt.Errorf("delete record body too short: %d", len(body))
		}
		keyLen := int(binary.LittleEndian.Uint16(body[0:2]))
		if delPrefixLen+keyLen != len(body) {
			return fmt.Errorf("delete record length mismatch: key=%d body=%d", keyLen, len(body))
		}
		c.Store.Delete(string(body[delPrefixLen:]))
		return nil
	case LogTypeFlushAll:
		c.Store.FlushAll()
		return nil
	}
	return fmt.Errorf("unknown log record type %d", hdr.LogType)
}

package cmdlog

import (
	"encoding/binary"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A workload larger than the ring forces wrap-arounds and space waits
// while the flusher drains concurrently.
func TestWrapAroundUnderLoad(t *testing.T) {
	const (
		bufferSize  = 1 << 20
		recordTotal = 30000
		records     = 40
	)
	l, path := newTestLog(t, bufferSize)
	defer l.Final()
	require.NoError(t, l.FlushThreadStart())

	var expected []byte
	scratch := make([]byte, recordTotal)
	for i := 0; i < records; i++ {
		rec := testRec{body: fill(recordTotal-HeaderSize, byte(i))}
		rec.Encode(scratch)
		expected = append(expected, scratch...)
		l.RecordWrite(rec, nil, false)
	}

	l.BufferFlushAll()
	l.FlushThreadStop()
	l.FileSync()

	assert.Equal(t, LogSN{FileNum: 1, ROffset: records * recordTotal}, l.FlushLSN())
	assert.Equal(t, LogSN{FileNum: 1, ROffset: records * recordTotal}, l.FsyncLSN())
	assert.Equal(t, int64(records*recordTotal), fileSize(t, path))

	// the file is the exact concatenation of the records in write order
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, expected, data)

	// a fully drained ring is back in the unwrapped empty state
	l.writeMu.Lock()
	assert.Equal(t, l.buf.head, l.buf.tail)
	assert.Equal(t, -1, l.buf.last)
	l.writeMu.Unlock()
}

func TestFlushRequestInvariants(t *testing.T) {
	l, _ := newTestLog(t, 1<<20)
	defer l.Final()

	// a record far larger than one flush unit splits across slots
	big := testRec{body: fill(3*FlushAutoSize+100-HeaderSize, 'b')}
	l.RecordWrite(big, nil, false)

	l.writeMu.Lock()
	total := 0
	idx := l.buf.fbgn
	for {
		req := l.buf.fque[idx]
		if req.nflush == 0 {
			break
		}
		assert.LessOrEqual(t, int(req.nflush), FlushAutoSize)
		total += int(req.nflush)
		if idx == l.buf.fend {
			break
		}
		if idx++; idx == l.buf.fqsz {
			idx = 0
		}
	}
	l.writeMu.Unlock()
	assert.Equal(t, 3*FlushAutoSize+100, total)
}

func TestDualWriteFlagSplitsSlot(t *testing.T) {
	l, path := newTestLog(t, 1<<20)
	defer l.Final()
	require.NoError(t, l.FilePrepare(path+".new"))

	// alternating flags may not share a slot
	l.RecordWrite(testRec{body: fill(8, 'a')}, nil, false)
	l.RecordWrite(testRec{body: fill(8, 'b')}, nil, true)
	l.RecordWrite(testRec{body: fill(8, 'c')}, nil, false)

	l.writeMu.Lock()
	slots := 0
	idx := l.buf.fbgn
	for l.buf.fque[idx].nflush > 0 {
		slots++
		if idx == l.buf.fend {
			break
		}
		if idx++; idx == l.buf.fqsz {
			idx = 0
		}
	}
	l.writeMu.Unlock()
	assert.Equal(t, 3, slots)

	// leave no rotation pending for Final
	l.CompleteDualWrite(false)
}

// Many writers against a tiny ring: writers must block on the flush path
// without losing or reordering records.
func TestBackpressureManyWriters(t *testing.T) {
	const (
		bufferSize = 2 * FlushAutoSize
		writers    = 4
		perWriter  = 50
	)
	l, path := newTestLog(t, bufferSize)
	defer l.Final()
	require.NoError(t, l.FlushThreadStart())

	bodyLen := func(writer, seq int) int {
		return 100 + (writer*7+seq*13)%1900
	}

	var wg sync.WaitGroup
	for wr := 0; wr < writers; wr++ {
		wg.Add(1)
		go func(wr int) {
			defer wg.Done()
			for seq := 0; seq < perWriter; seq++ {
				body := make([]byte, bodyLen(wr, seq))
				body[0] = byte(wr)
				binary.BigEndian.PutUint32(body[1:5], uint32(seq))
				l.RecordWrite(testRec{body: body}, nil, false)
			}
		}(wr)
	}

	// concurrent fsyncs must never observe fsync ahead of flush
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		for i := 0; i < 20; i++ {
			l.FileSync()
			fsync := l.FsyncLSN()
			flush := l.FlushLSN()
			assert.True(t, fsync.LE(flush))
		}
	}()

	wg.Wait()
	<-syncDone
	l.BufferFlushAll()
	l.FlushThreadStop()

	var want int64
	for wr := 0; wr < writers; wr++ {
		for seq := 0; seq < perWriter; seq++ {
			want += int64(HeaderSize + bodyLen(wr, seq))
		}
	}
	require.Equal(t, want, fileSize(t, path))

	// parse the file back and check per-writer FIFO order
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	nextSeq := make([]uint32, writers)
	for off := 0; off < len(data); {
		hdr := ParseHeader(data[off : off+HeaderSize])
		body := data[off+HeaderSize : off+HeaderSize+int(hdr.BodyLength)]
		wr := int(body[0])
		seq := binary.BigEndian.Uint32(body[1:5])
		require.Equal(t, nextSeq[wr], seq, "writer %d out of order", wr)
		nextSeq[wr]++
		off += HeaderSize + int(hdr.BodyLength)
	}
	for wr := 0; wr < writers; wr++ {
		assert.Equal(t, uint32(perWriter), nextSeq[wr])
	}
}

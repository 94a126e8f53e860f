package cmdlog

import (
	"github.com/memstash/memstash/utils/log"
)

// flushReq describes one pending write() call: a byte range in the ring
// that is contiguous in memory, at most FlushAutoSize long, and uniform in
// its dual-write flag.
type flushReq struct {
	nflush    uint16
	dualWrite bool
}

// logBuffer is the byte ring plus the parallel flush request queue. A
// record never wraps: writers close the upper region at `last` and restart
// at offset zero instead. The ring is empty iff head == tail and last is
// -1; it never reports full because writers force a flush when out of
// space.
type logBuffer struct {
	data []byte
	size int
	head int // next flush position
	tail int // next write position
	last int // valid end of the upper region after a wrap, -1 otherwise

	fque  []flushReq
	fqsz  int
	fbgn  int // next slot to flush
	fend  int // slot currently being appended into
	dwEnd int // slot ending the dual-write cleanup window, -1 if none
}

func (b *logBuffer) advanceFend() {
	if b.fend++; b.fend == b.fqsz {
		b.fend = 0
	}
}

func (b *logBuffer) advanceFbgn() {
	if b.fbgn++; b.fbgn == b.fqsz {
		b.fbgn = 0
	}
}

// buffWrite reserves a contiguous region for rec, serializes it in place,
// and publishes matching flush requests. Space exhaustion drops the write
// lock, drives one flush cycle under the flush lock, and retries; lock
// order is flush before write.
func (l *CmdLog) buffWrite(rec Record, waiter *Waiter, dualWrite bool) {
	b := &l.buf
	total := HeaderSize + int(rec.BodyLength())
	if total >= b.size || total > MaxRecordSize {
		log.Fatal("log record too large. total=%d buffer=%d", total, b.size)
	}

	l.writeMu.Lock()

	if waiter != nil {
		waiter.LSN = l.nxtWriteLSN
	}

	// find the position to write in the log buffer
	for {
		if b.head <= b.tail {
			// head == tail is the empty state; the ring has no full state
			if total < b.size-b.tail {
				break
			}
			if b.head > 0 {
				b.last = b.tail
				b.tail = 0
				// close the open flush slot so the bytes of one request
				// stay contiguous across the wrap
				if b.fque[b.fend].nflush > 0 {
					b.advanceFend()
				}
				if total < b.head {
					break
				}
			}
		} else {
			if total < b.head-b.tail {
				break
			}
		}
		// out of space: force a flush cycle, respecting flush-before-write
		l.writeMu.Unlock()
		l.flushMu.Lock()
		l.flushOnce(false)
		l.flushMu.Unlock()
		l.writeMu.Lock()
	}

	rec.Encode(b.data[b.tail : b.tail+total])
	b.tail += total

	l.nxtWriteLSN.ROffset += uint64(total)

	// queue flush work for the record bytes
	if b.fque[b.fend].nflush > 0 && b.fque[b.fend].dualWrite != dualWrite {
		b.advanceFend()
	}
	remain := total
	for remain > 0 {
		spare := FlushAutoSize - int(b.fque[b.fend].nflush)
		if spare > remain {
			spare = remain
		}
		b.fque[b.fend].nflush += uint16(spare)
		b.fque[b.fend].dualWrite = dualWrite
		if int(b.fque[b.fend].nflush) == FlushAutoSize {
			b.advanceFend()
		}
		remain -= spare
	}

	signal := b.fbgn != b.fend
	l.writeMu.Unlock()

	if signal {
		l.flusher.wakeup()
	}
}

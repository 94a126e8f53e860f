// Package cmdlog implements the command-log buffer: a durable append-only
// staging area between foreground cache writers and the on-disk command
// log. Writers serialize records into a large in-memory byte ring, a
// dedicated flusher goroutine drains the ring to the current log file, and
// an on-demand fsync path advances the durable LSN. During checkpoint
// driven rotation a dual-write protocol appends every new record to both
// the outgoing and the incoming log file.
package cmdlog

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/memstash/memstash/utils/log"
)

var errFlusherNotReady = errors.New("cmdlog: not initialized")

const (
	// DefaultBufferSize is the ring size used when Options leaves it zero.
	DefaultBufferSize = 100 * 1024 * 1024
	// FlushAutoSize caps a single flush request. It must fit the uint16
	// nflush field of a flush queue slot.
	FlushAutoSize = 32 * 1024
	// MaxFilePathLength bounds log file paths.
	MaxFilePathLength = 255
)

// Options configures a CmdLog instance.
type Options struct {
	// BufferSize is the byte ring capacity. Zero selects DefaultBufferSize.
	BufferSize int
	// Redoer replays records during FileApply. Required.
	Redoer Redoer
}

// CmdLog owns the log buffer, the flush request queue, the current/next
// file pair and the three LSN cursors. One instance exists per engine.
//
// Lock order: flushMu before writeMu. The LSN locks are leaves.
type CmdLog struct {
	file    logFile
	buf     logBuffer
	flusher flusher

	nxtWriteLSN LogSN // next byte to be reserved in the ring
	nxtFlushLSN LogSN // bytes up to here handed to the OS
	nxtFsyncLSN LogSN // bytes up to here durable on disk

	flushMu    sync.Mutex // disk I/O and file pair mutations
	writeMu    sync.Mutex // ring, flush queue, nxtWriteLSN
	flushLSNMu sync.Mutex
	fsyncLSNMu sync.Mutex

	redo Redoer

	initialized atomic.Bool
}

// New allocates the ring and the flush request queue and zeroes the LSN
// cursors to (1,0). The flusher is not started; call FlushThreadStart.
func New(opts Options) (*CmdLog, error) {
	size := opts.BufferSize
	if size == 0 {
		size = DefaultBufferSize
	}
	if size < 2*FlushAutoSize {
		return nil, errors.New("cmdlog: buffer size too small")
	}
	if opts.Redoer == nil {
		return nil, errors.New("cmdlog: redoer is required")
	}

	l := &CmdLog{redo: opts.Redoer}

	start := LogSN{FileNum: 1, ROffset: 0}
	l.nxtWriteLSN = start
	l.nxtFlushLSN = start
	l.nxtFsyncLSN = start

	l.buf = logBuffer{
		data:  make([]byte, size),
		size:  size,
		last:  -1,
		fqsz:  size / RecordMinSize,
		dwEnd: -1,
	}
	l.buf.fque = make([]flushReq, l.buf.fqsz)

	l.flusher.init()

	l.initialized.Store(true)
	log.Info("command log buffer initialized. size=%d fqsz=%d", size, l.buf.fqsz)
	return l, nil
}

// Final releases the buffers and closes the current log file. Any rotation
// must have been completed or aborted beforehand.
func (l *CmdLog) Final() {
	if !l.initialized.CompareAndSwap(true, false) {
		return
	}
	l.buf.data = nil
	l.buf.fque = nil
	l.fileFinal()
	log.Info("command log buffer destroyed.")
}

// FlushLSN returns the LSN up to which bytes have been handed to the OS.
func (l *CmdLog) FlushLSN() LogSN {
	l.flushLSNMu.Lock()
	lsn := l.nxtFlushLSN
	l.flushLSNMu.Unlock()
	return lsn
}

// FsyncLSN returns the LSN up to which bytes are durable on disk.
func (l *CmdLog) FsyncLSN() LogSN {
	l.fsyncLSNMu.Lock()
	lsn := l.nxtFsyncLSN
	l.fsyncLSNMu.Unlock()
	return lsn
}

// RecordWrite serializes rec into the log buffer and queues it for flush.
// If waiter is non-nil it is stamped with the record's LSN. The dualWrite
// flag is sampled by the caller and carried verbatim on the flush requests
// covering this record.
func (l *CmdLog) RecordWrite(rec Record, waiter *Waiter, dualWrite bool) {
	l.buffWrite(rec, waiter, dualWrite)
}

// BufferFlush blocks until the flush LSN has advanced past uptoLSN, or
// until a full flush cycle finds nothing left to flush, driving full flush
// cycles itself under the flush lock.
func (l *CmdLog) BufferFlush(uptoLSN LogSN) {
	for {
		l.flushMu.Lock()
		nflush := 0
		if l.FlushLSN().LE(uptoLSN) {
			nflush = l.flushOnce(true)
			if l.FlushLSN().GT(uptoLSN) {
				nflush = 0
			}
		}
		l.flushMu.Unlock()
		if nflush == 0 {
			return
		}
	}
}

// BufferFlushAll drains every queued byte, including a partially filled
// tail slot. Intended for quiesced callers such as shutdown.
func (l *CmdLog) BufferFlushAll() {
	for {
		l.flushMu.Lock()
		nflush := l.flushOnce(true)
		l.flushMu.Unlock()
		if nflush == 0 {
			return
		}
	}
}

// FileSync makes every flushed byte durable. The file states are sampled
// under the flush lock, the fsyncs run outside it, and a file retired by a
// concurrent rotation is closed here once its fsync completes.
func (l *CmdLog) FileSync() {
	l.flushMu.Lock()
	nowFlushLSN := l.FlushLSN()
	fd := l.file.curr.f
	nextFd := l.file.next.f
	l.file.curr.fsyncOngoing = true
	if nextFd != nil {
		l.file.next.fsyncOngoing = true
	}
	l.flushMu.Unlock()

	if fd == nil {
		log.Fatal("FileSync called with no log file")
	}
	l.fileSyncFd(fd)
	if nextFd != nil {
		l.fileSyncFd(nextFd)
	}

	l.fsyncLSNMu.Lock()
	l.nxtFsyncLSN = nowFlushLSN
	l.fsyncLSNMu.Unlock()

	l.flushMu.Lock()
	if fd == l.file.curr.f {
		l.file.curr.fsyncOngoing = false
	} else {
		// retired during the fsync window
		l.closeFd(fd)
	}
	if nextFd != nil {
		switch nextFd {
		case l.file.curr.f:
			l.file.curr.fsyncOngoing = false
		case l.file.next.f:
			l.file.next.fsyncOngoing = false
		default:
			l.closeFd(nextFd)
		}
	}
	l.flushMu.Unlock()
}

// fileSyncFd fsyncs one file without closing it. An fsync failure leaves
// the durability contract unrecoverable, so it terminates the process.
func (l *CmdLog) fileSyncFd(f *os.File) {
	if err := diskFsync(f); err != nil {
		log.Fatal("log file fsync error. path=%s err=%v", f.Name(), err)
	}
}

// CompleteDualWrite finishes a rotation. On success the queue position
// ending the dual-write region is recorded, the write LSN moves to the new
// file, and the file pair is handed over. On failure the dual-write flags
// still queued are cleared and the next file is dropped. Either way the
// outgoing descriptor is closed here unless an fsync is in flight, in
// which case FileSync closes it on completion.
func (l *CmdLog) CompleteDualWrite(success bool) {
	b := &l.buf

	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	if l.file.next.f == nil {
		// No rotation in progress: the first FilePrepare installed into
		// curr directly. Nothing to hand over.
		return
	}

	var prev fileState
	if success {
		l.writeMu.Lock()
		if b.fque[b.fend].nflush > 0 {
			b.advanceFend()
		}
		if b.dwEnd != -1 {
			log.Fatal("CompleteDualWrite: cleanup window already active")
		}
		b.dwEnd = b.fend

		l.nxtWriteLSN.FileNum++
		l.nxtWriteLSN.ROffset = 0
		l.writeMu.Unlock()

		prev = l.file.curr
		l.file.curr = l.file.next
		l.file.next = fileState{}
	} else {
		l.writeMu.Lock()
		idx := b.fbgn
		for b.fque[idx].nflush > 0 {
			b.fque[idx].dualWrite = false
			if idx++; idx == b.fqsz {
				idx = 0
			}
		}
		l.writeMu.Unlock()

		prev = l.file.next
		l.file.next = fileState{}
	}

	if prev.f != nil && !prev.fsyncOngoing {
		l.closeFd(prev.f)
	}
}

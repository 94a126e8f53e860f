package cmdlog

import (
	"sync"
	"time"

	"github.com/memstash/memstash/utils/log"
)

const flusherIdleWait = 10 * time.Millisecond

// flusher drives the background flush goroutine. Waking is a non-blocking
// send on a one-slot channel; stopping closes stop and waits on done, so
// FlushThreadStop returns only once the goroutine has observably exited.
type flusher struct {
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopOnce sync.Once
}

func (fl *flusher) init() {
	fl.wake = make(chan struct{}, 1)
	fl.stop = make(chan struct{})
	fl.done = make(chan struct{})
}

func (fl *flusher) wakeup() {
	select {
	case fl.wake <- struct{}{}:
	default:
	}
}

// FlushThreadStart launches the flusher goroutine and returns once it is
// running.
func (l *CmdLog) FlushThreadStart() error {
	if !l.initialized.Load() {
		log.Error("cannot start command log flush thread before init")
		return errFlusherNotReady
	}
	if l.flusher.started {
		return nil
	}
	l.flusher.started = true

	running := make(chan struct{})
	go l.flushLoop(running)
	<-running

	log.Info("command log flush thread started.")
	return nil
}

// FlushThreadStop requests a stop, wakes the goroutine, and blocks until
// it has exited.
func (l *CmdLog) FlushThreadStop() {
	if !l.flusher.started {
		return
	}
	l.flusher.stopOnce.Do(func() {
		close(l.flusher.stop)
	})
	l.flusher.wakeup()
	<-l.flusher.done
	log.Info("command log flush thread stopped.")
}

func (l *CmdLog) flushLoop(running chan<- struct{}) {
	defer close(l.flusher.done)
	close(running)

	for {
		select {
		case <-l.flusher.stop:
			log.Info("command log flush thread recognized stop request.")
			return
		default:
		}

		l.flushMu.Lock()
		nflush := l.flushOnce(false)
		l.flushMu.Unlock()

		if nflush == 0 {
			select {
			case <-l.flusher.wake:
			case <-l.flusher.stop:
				log.Info("command log flush thread recognized stop request.")
				return
			case <-time.After(flusherIdleWait):
			}
		}
	}
}

// flushOnce performs one flush cycle under the flush lock and returns the
// number of bytes handed to the OS. With flushAll set, a partially filled
// tail slot is closed and flushed as well.
func (l *CmdLog) flushOnce(flushAll bool) int {
	b := &l.buf
	var (
		nflush      int
		dualWrite   bool
		nextFileLSN bool
		cleanup     bool
		head        int
	)

	// select the flush work
	l.writeMu.Lock()
	if b.dwEnd != -1 {
		if b.fbgn == b.dwEnd {
			// cleanup drained: the flush LSN moves to the new file and
			// the request selected below is post-rotation, not cleanup
			b.dwEnd = -1
			nextFileLSN = true
		} else {
			// requests before dwEnd were queued before the handover
			cleanup = true
		}
	}
	if b.fbgn != b.fend {
		nflush = int(b.fque[b.fbgn].nflush)
		dualWrite = b.fque[b.fbgn].dualWrite
		if nflush == 0 {
			log.Fatal("empty flush request at fbgn=%d", b.fbgn)
		}
	} else if flushAll && b.fque[b.fend].nflush > 0 {
		nflush = int(b.fque[b.fend].nflush)
		dualWrite = b.fque[b.fend].dualWrite
		b.advanceFend()
	}
	if nflush > 0 {
		if b.head == b.last {
			// the upper region is fully drained: reclaim the wrap
			b.last = -1
			b.head = 0
		}
		head = b.head
	}
	l.writeMu.Unlock()

	if nextFileLSN {
		l.flushLSNMu.Lock()
		l.nxtFlushLSN.FileNum++
		l.nxtFlushLSN.ROffset = 0
		l.flushLSNMu.Unlock()
	}

	if nflush == 0 {
		return 0
	}

	if cleanup {
		// The old file was superseded by the checkpoint at handover.
		// Requests carrying the dual-write flag still must reach the new
		// file, which curr now holds; requests without it predate the
		// rotation and are already covered by the checkpoint snapshot.
		if dualWrite {
			l.fileWrite(b.data[head:head+nflush], false)
		}
	} else {
		l.fileWrite(b.data[head:head+nflush], dualWrite)
	}

	l.flushLSNMu.Lock()
	l.nxtFlushLSN.ROffset += uint64(nflush)
	l.flushLSNMu.Unlock()

	// consume the request
	l.writeMu.Lock()
	b.head += nflush
	if b.head == b.last {
		b.last = -1
		b.head = 0
	}
	b.fque[b.fbgn] = flushReq{}
	b.advanceFbgn()
	l.writeMu.Unlock()

	return nflush
}

// fileWrite appends one flush request's bytes to the current file and, for
// a dual-write request while a rotation is in progress, to the next file
// as well. The flush
// lock serializes all callers. A failed or short write to a live log file
// is unrecoverable.
func (l *CmdLog) fileWrite(data []byte, dualWrite bool) {
	if l.file.curr.f == nil {
		log.Fatal("flush with no log file prepared")
	}

	if err := diskByteWrite(l.file.curr.f, data); err != nil {
		log.Fatal("log file write error. path=%s n=%d err=%v",
			l.file.curr.f.Name(), len(data), err)
	}
	l.file.curr.size += uint64(len(data))

	if dualWrite && l.file.next.f != nil {
		if err := diskByteWrite(l.file.next.f, data); err != nil {
			log.Fatal("log file write error. path=%s n=%d err=%v",
				l.file.next.f.Name(), len(data), err)
		}
		l.file.next.size += uint64(len(data))
	}
}

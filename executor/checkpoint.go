package executor

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/memstash/memstash/executor/cmdlog"
	"github.com/memstash/memstash/utils/log"
)

// checkpointer periodically snapshots the keyspace and rotates the
// command log. The ordering matters: the next log file is prepared and
// the dual-write flag raised before the snapshot starts, so every command
// arriving during the snapshot reaches the new log file; snapshot plus
// new log is then always complete.
type checkpointer struct {
	e        *Engine
	interval time.Duration

	mu   sync.Mutex // serializes checkpoint runs
	stop chan struct{}
	done chan struct{}
}

func newCheckpointer(e *Engine, interval time.Duration) *checkpointer {
	return &checkpointer{
		e:        e,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *checkpointer) start() {
	if c.interval <= 0 {
		close(c.done)
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.run(); err != nil {
					log.Error("checkpoint failed: %v", err)
				}
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *checkpointer) stopAndWait() {
	close(c.stop)
	<-c.done
	// an on-demand run holds mu; wait for it to finish as well
	c.mu.Lock()
	c.mu.Unlock()
}

// run performs one checkpoint. On any failure after the dual-write window
// opened, the rotation is aborted and the old log file stays live.
func (c *checkpointer) run() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.e
	oldSeq := e.fileSeq
	newSeq := oldSeq + 1
	started := time.Now()

	// open the dual-write window before the snapshot sees anything
	if err := e.CLog.FilePrepare(e.cmdlogPath(newSeq)); err != nil {
		return fmt.Errorf("prepare next command log: %w", err)
	}
	e.dwMu.Lock()
	e.dualWrite = true
	e.dwMu.Unlock()

	snapPath := e.snapshotPath(newSeq)
	if err := writeSnapshot(snapPath, e.Store); err != nil {
		// lower the flag first so no writer still queues dual requests,
		// then abort the rotation
		e.dwMu.Lock()
		e.dualWrite = false
		e.dwMu.Unlock()
		e.CLog.CompleteDualWrite(false)
		_ = os.Remove(e.cmdlogPath(newSeq))
		return fmt.Errorf("write snapshot: %w", err)
	}

	// hand over before lowering the flag: a record sampled without the
	// flag but queued before the handover would otherwise reach neither file
	prevFlush := e.CLog.FlushLSN()
	e.CLog.CompleteDualWrite(true)
	e.dwMu.Lock()
	e.dualWrite = false
	e.dwMu.Unlock()
	e.fileSeq = newSeq

	// drain the cleanup window before returning, so the next rotation never
	// completes while one is still open: the flush LSN leaves the old file
	// number once every pre-rotation request has been flushed
	e.CLog.BufferFlush(cmdlog.LogSN{FileNum: prevFlush.FileNum, ROffset: math.MaxUint64})

	// the previous generation is superseded
	_ = os.Remove(e.cmdlogPath(oldSeq))
	_ = os.Remove(e.snapshotPath(oldSeq))

	log.Info("checkpoint complete. seq=%d keys=%d log=%s elapsed=%s",
		newSeq, e.Store.Len(), bytefmt.ByteSize(e.CLog.FileGetSize()), time.Since(started))
	return nil
}

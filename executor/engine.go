// Package executor wires the keyspace to its durability machinery: every
// mutation is journaled through the command-log buffer, checkpoints
// snapshot the keyspace and rotate the log, and startup recovery rebuilds
// the keyspace from the latest snapshot plus the live log.
package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/memstash/memstash/cache"
	"github.com/memstash/memstash/executor/cmdlog"
	"github.com/memstash/memstash/executor/cmdrec"
	"github.com/memstash/memstash/utils"
	"github.com/memstash/memstash/utils/log"
)

// Engine owns the cache, the command log, and the checkpointer.
type Engine struct {
	Store *cache.Cache
	CLog  *cmdlog.CmdLog

	rootDir     string
	syncOnWrite bool

	// dwMu orders writers against checkpoint transitions: writers hold the
	// read side across {sample flag, apply, journal}, the checkpointer
	// holds the write side while flipping dualWrite. A command can then
	// never fall between the snapshot and the dual-write window.
	dwMu      sync.RWMutex
	dualWrite bool

	fileSeq uint32

	chk *checkpointer
}

// NewEngine initializes the command log, recovers the keyspace from the
// newest snapshot and log file under cfg.RootDirectory, and starts the
// flusher and the checkpointer.
func NewEngine(cfg *utils.MemstashConfig) (*Engine, error) {
	if err := os.MkdirAll(cfg.RootDirectory, 0o750); err != nil {
		return nil, fmt.Errorf("create root directory: %w", err)
	}

	e := &Engine{
		Store:       cache.New(),
		rootDir:     cfg.RootDirectory,
		syncOnWrite: cfg.SyncOnWrite,
	}

	codec := &cmdrec.Codec{Store: e.Store}
	bufSize := int(cfg.CmdLogBufferSize)
	clog, err := cmdlog.New(cmdlog.Options{BufferSize: bufSize, Redoer: codec})
	if err != nil {
		return nil, fmt.Errorf("init command log: %w", err)
	}
	e.CLog = clog

	if err := e.recover(codec); err != nil {
		clog.Final()
		return nil, err
	}

	if err := clog.FlushThreadStart(); err != nil {
		clog.Final()
		return nil, err
	}

	e.chk = newCheckpointer(e, cfg.CheckpointInterval)
	e.chk.start()

	return e, nil
}

// recover loads the newest snapshot, then replays the matching log file.
// A fresh root directory starts at file sequence 1 with an empty log.
func (e *Engine) recover(codec *cmdrec.Codec) error {
	seq := latestFileSeq(e.rootDir)
	if seq == 0 {
		seq = 1
	}
	e.fileSeq = seq

	snapPath := e.snapshotPath(seq)
	if _, err := os.Stat(snapPath); err == nil {
		if err := loadSnapshot(snapPath, codec); err != nil {
			return fmt.Errorf("load snapshot %s: %w", snapPath, err)
		}
		log.Info("recovered snapshot. path=%s keys=%d", snapPath, e.Store.Len())
	}

	logPath := e.cmdlogPath(seq)
	if err := e.CLog.FilePrepare(logPath); err != nil {
		return fmt.Errorf("prepare command log %s: %w", logPath, err)
	}
	if err := e.CLog.FileApply(); err != nil {
		return fmt.Errorf("apply command log %s: %w", logPath, err)
	}
	return nil
}

func (e *Engine) cmdlogPath(seq uint32) string {
	return filepath.Join(e.rootDir, fmt.Sprintf("cmdlog.%d", seq))
}

func (e *Engine) snapshotPath(seq uint32) string {
	return filepath.Join(e.rootDir, fmt.Sprintf("snapshot.%d", seq))
}

// latestFileSeq scans rootDir for the highest numbered command log file.
func latestFileSeq(rootDir string) uint32 {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return 0
	}
	var latest uint32
	for _, ent := range entries {
		var seq uint32
		if n, _ := fmt.Sscanf(ent.Name(), "cmdlog.%d", &seq); n == 1 && seq > latest {
			latest = seq
		}
	}
	return latest
}

// journal applies a mutation and journals its record while holding the
// dual-write read lock, then optionally blocks until the record is
// durable.
func (e *Engine) journal(apply func(), rec cmdlog.Record) {
	var w cmdlog.Waiter

	e.dwMu.RLock()
	dual := e.dualWrite
	apply()
	e.CLog.RecordWrite(rec, &w, dual)
	e.dwMu.RUnlock()

	if e.syncOnWrite {
		end := cmdlog.LogSN{
			FileNum: w.LSN.FileNum,
			ROffset: w.LSN.ROffset + cmdlog.HeaderSize + uint64(rec.BodyLength()) - 1,
		}
		e.CLog.BufferFlush(end)
		e.CLog.FileSync()
	}
}

// Set stores a value with an optional TTL (zero means none) and journals
// it. The expiry is kept at whole-second resolution.
func (e *Engine) Set(key string, value []byte, ttl time.Duration) error {
	var expireAt int64
	if ttl > 0 {
		expireAt = time.Now().Add(ttl).Unix()
	}
	rec, err := cmdrec.NewSetRecord(key, value, expireAt)
	if err != nil {
		return err
	}
	e.journal(func() { e.Store.Set(key, value, expireAt) }, rec)
	return nil
}

// Get reads a value; reads are not journaled.
func (e *Engine) Get(key string) ([]byte, bool) {
	return e.Store.Get(key)
}

// Delete removes a key, journals the removal whether or not the key was
// present, and reports whether it was.
func (e *Engine) Delete(key string) (bool, error) {
	rec, err := cmdrec.NewDeleteRecord(key)
	if err != nil {
		return false, err
	}
	var found bool
	e.journal(func() { found = e.Store.Delete(key) }, rec)
	return found, nil
}

// FlushAll empties the keyspace and journals it.
func (e *Engine) FlushAll() {
	e.journal(func() { e.Store.FlushAll() }, &cmdrec.FlushAllRecord{})
}

// Sync blocks until everything written so far is durable.
func (e *Engine) Sync() {
	e.CLog.BufferFlushAll()
	e.CLog.FileSync()
}

// Checkpoint runs a checkpoint now.
func (e *Engine) Checkpoint() error {
	return e.chk.run()
}

// LogFileSize reports the size of the current command log file.
func (e *Engine) LogFileSize() uint64 {
	return e.CLog.FileGetSize()
}

// Shutdown checkpoints nothing further, drains the log, and tears the
// command log down. Any in-flight checkpoint finishes first, so no
// rotation is pending when the log closes.
func (e *Engine) Shutdown() {
	e.chk.stopAndWait()

	e.Sync()
	e.CLog.FlushThreadStop()
	e.CLog.Final()
	log.Info("engine shut down. keys=%d", e.Store.Len())
}

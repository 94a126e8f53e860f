package cmdlog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/memstash/memstash/utils/log"
)

// fileState tracks one log file descriptor. fsyncOngoing defers closing a
// descriptor retired by rotation until the in-flight FileSync finishes.
type fileState struct {
	f            *os.File
	fsyncOngoing bool
	size         uint64
}

// logFile holds the current log file and, during rotation, the next one.
// A populated next slot means a rotation is in progress.
type logFile struct {
	path string
	curr fileState
	next fileState
}

// FilePrepare opens path read-write, creating it if missing, and installs
// it: into curr the first time, into next when a checkpoint is producing a
// replacement file, which opens the dual-write window.
func (l *CmdLog) FilePrepare(path string) error {
	if len(path) > MaxFilePathLength {
		return fmt.Errorf("log file path too long: %d", len(path))
	}

	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	f, err := diskOpen(path)
	if err != nil {
		log.Warn("Failed to open the command log file. path=%s err=%v", path, err)
		return err
	}
	l.file.path = path
	if l.file.curr.f == nil {
		l.file.curr = fileState{f: f}
	} else {
		// curr already open: the new file was created by a checkpoint
		l.file.next = fileState{f: f}
	}
	return nil
}

// fileFinal fsyncs and closes the current file. Callers must complete or
// abort any rotation first.
func (l *CmdLog) fileFinal() {
	if l.file.next.f != nil {
		log.Fatal("command log shutdown with rotation in progress")
	}
	if l.file.curr.f != nil {
		if err := diskFsync(l.file.curr.f); err != nil {
			log.Warn("final fsync of command log failed. err=%v", err)
		}
		l.closeFd(l.file.curr.f)
		l.file.curr.f = nil
	}
}

// closeFd closes a log file descriptor. Failing to close a live log file
// is unrecoverable.
func (l *CmdLog) closeFd(f *os.File) {
	if err := diskClose(f); err != nil {
		log.Fatal("log file close error. path=%s err=%v", f.Name(), err)
	}
}

// FileGetSize reports the current file size, or zero while a cleanup
// window still routes buffered bytes from before the rotation.
func (l *CmdLog) FileGetSize() uint64 {
	l.flushMu.Lock()
	l.writeMu.Lock()
	var size uint64
	if l.buf.dwEnd == -1 {
		size = l.file.curr.size
	}
	l.writeMu.Unlock()
	l.flushMu.Unlock()
	return size
}

// FileApply replays the current log file through the redoer. It stops
// cleanly at a torn tail: a short header ends the replay, a short body
// additionally rewinds over its header and truncates the stale bytes so
// the next append overwrites the torn record. A body length that makes the
// record exceed MaxRecordSize aborts with ErrCorruptRecord and closes the
// descriptor.
func (l *CmdLog) FileApply() error {
	f := l.file.curr.f
	if f == nil {
		log.Fatal("FileApply called with no log file prepared")
	}

	log.Info("[RECOVERY - CMDLOG] applying command log file. path=%s", l.file.path)

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat command log file: %w", err)
	}
	size := st.Size()
	l.file.curr.size = uint64(size)
	if size == 0 {
		log.Info("[RECOVERY - CMDLOG] log file is empty.")
		return nil
	}

	var (
		applyErr   error
		seekOffset int64
	)
	buf := make([]byte, MaxRecordSize)
	for l.initialized.Load() && seekOffset < size {
		if size-seekOffset < HeaderSize {
			log.Info("[RECOVERY - CMDLOG] header of last command was not completely written. "+
				"header_length=%d", HeaderSize)
			break
		}

		if _, err := io.ReadFull(f, buf[:HeaderSize]); err != nil {
			applyErr = fmt.Errorf("read record header: %w", err)
			break
		}
		seekOffset += HeaderSize
		hdr := ParseHeader(buf[:HeaderSize])

		if size-seekOffset < int64(hdr.BodyLength) {
			log.Info("[RECOVERY - CMDLOG] body of last command was not completely written. "+
				"body_length=%d", hdr.BodyLength)
			// rewind over the torn header and drop the stale tail
			off, err := f.Seek(-HeaderSize, io.SeekCurrent)
			if err != nil {
				applyErr = fmt.Errorf("seek over torn record: %w", err)
				break
			}
			if err := f.Truncate(off); err != nil {
				applyErr = fmt.Errorf("truncate torn record: %w", err)
				break
			}
			seekOffset = off
			break
		}

		if hdr.BodyLength == 0 {
			continue
		}
		if hdr.BodyLength > MaxRecordSize-HeaderSize {
			log.Warn("[RECOVERY - CMDLOG] failed : body length is abnormally too big "+
				"max_body_length=%d body_length=%d", MaxRecordSize-HeaderSize, hdr.BodyLength)
			applyErr = ErrCorruptRecord
			break
		}
		body := buf[HeaderSize : HeaderSize+hdr.BodyLength]
		if _, err := io.ReadFull(f, body); err != nil {
			applyErr = fmt.Errorf("read record body: %w", err)
			break
		}
		seekOffset += int64(hdr.BodyLength)

		if err := l.redo.Redo(hdr, body); err != nil {
			log.Warn("[RECOVERY - CMDLOG] warning : log record redo failed. err=%v", err)
			if errors.Is(err, ErrOutOfMemory) {
				applyErr = err
				break
			}
		}
	}

	if applyErr != nil {
		l.closeFd(f)
		l.file.curr.f = nil
		return applyErr
	}
	l.file.curr.size = uint64(seekOffset)
	log.Info("[RECOVERY - CMDLOG] success.")
	return nil
}

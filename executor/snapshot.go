package executor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/memstash/memstash/cache"
	"github.com/memstash/memstash/executor/cmdlog"
	"github.com/memstash/memstash/executor/cmdrec"
)

// Snapshots reuse the command-log record framing: a snapshot is a file of
// Set records, so recovery replays it through the same codec that replays
// the log.

// writeSnapshot streams the keyspace to path via a temp file, fsyncs, and
// renames into place. A crash mid-snapshot leaves only the temp file.
func writeSnapshot(path string, store *cache.Cache) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}

	w := bufio.NewWriterSize(f, 256*1024)
	var encodeErr error
	scratch := make([]byte, 0, 64*1024)
	store.Snapshot(func(key string, it cache.Item) {
		if encodeErr != nil {
			return
		}
		rec, err := cmdrec.NewSetRecord(key, it.Value, it.ExpireAt)
		if err != nil {
			encodeErr = err
			return
		}
		total := cmdlog.HeaderSize + int(rec.BodyLength())
		if cap(scratch) < total {
			scratch = make([]byte, 0, total)
		}
		buf := scratch[:total]
		rec.Encode(buf)
		if _, err := w.Write(buf); err != nil {
			encodeErr = err
		}
	})
	if encodeErr == nil {
		encodeErr = w.Flush()
	}
	if encodeErr == nil {
		encodeErr = f.Sync()
	}
	if err := f.Close(); err != nil && encodeErr == nil {
		encodeErr = err
	}
	if encodeErr != nil {
		_ = os.Remove(tmp)
		return encodeErr
	}
	return os.Rename(tmp, path)
}

// loadSnapshot replays a snapshot file through the codec. Unlike the live
// log, a snapshot is rename-complete: any framing damage is an error, not
// a torn tail.
func loadSnapshot(path string, codec *cmdrec.Codec) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 256*1024)
	hdrBuf := make([]byte, cmdlog.HeaderSize)
	body := make([]byte, 0, 64*1024)
	for {
		if _, err := io.ReadFull(r, hdrBuf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read snapshot record header: %w", err)
		}
		hdr := cmdlog.ParseHeader(hdrBuf)
		if hdr.BodyLength > cmdlog.MaxRecordSize-cmdlog.HeaderSize {
			return cmdlog.ErrCorruptRecord
		}
		if cap(body) < int(hdr.BodyLength) {
			body = make([]byte, 0, hdr.BodyLength)
		}
		body = body[:hdr.BodyLength]
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("read snapshot record body: %w", err)
		}
		if err := codec.Redo(hdr, body); err != nil {
			return fmt.Errorf("replay snapshot record: %w", err)
		}
	}
}

package executor

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memstash/memstash/executor/cmdrec"
	"github.com/memstash/memstash/utils"
)

func testConfig(t *testing.T) *utils.MemstashConfig {
	t.Helper()
	return &utils.MemstashConfig{
		RootDirectory:    t.TempDir(),
		CmdLogBufferSize: 1 << 20,
	}
}

func TestEngineWriteAndRecover(t *testing.T) {
	cfg := testConfig(t)

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	require.NoError(t, e.Set("alpha", []byte("one"), 0))
	require.NoError(t, e.Set("beta", []byte("two"), 0))
	require.NoError(t, e.Set("gamma", []byte("three"), time.Hour))
	found, err := e.Delete("beta")
	require.NoError(t, err)
	assert.True(t, found)

	e.Shutdown()

	// a fresh engine over the same directory replays the command log
	e2, err := NewEngine(cfg)
	require.NoError(t, err)
	defer e2.Shutdown()

	got, ok := e2.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, []byte("one"), got)
	_, ok = e2.Get("beta")
	assert.False(t, ok)
	got, ok = e2.Get("gamma")
	require.True(t, ok)
	assert.Equal(t, []byte("three"), got)
	assert.Equal(t, 2, e2.Store.Len())
}

func TestEngineCheckpointRotatesLog(t *testing.T) {
	cfg := testConfig(t)

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("key-%d", i), []byte("payload"), 0))
	}
	require.NoError(t, e.Checkpoint())

	// generation 1 is superseded and removed
	_, err = os.Stat(e.cmdlogPath(1))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(e.cmdlogPath(2))
	assert.NoError(t, err)
	_, err = os.Stat(e.snapshotPath(2))
	assert.NoError(t, err)

	// post-checkpoint writes land in the new generation
	require.NoError(t, e.Set("after", []byte("ckpt"), 0))
	found, err := e.Delete("key-0")
	require.NoError(t, err)
	assert.True(t, found)
	e.Shutdown()

	e2, err := NewEngine(cfg)
	require.NoError(t, err)
	defer e2.Shutdown()

	// snapshot plus replayed log reconstruct the keyspace exactly
	assert.Equal(t, 50, e2.Store.Len()) // 50 keys - key-0 + after
	_, ok := e2.Get("key-0")
	assert.False(t, ok)
	got, ok := e2.Get("after")
	require.True(t, ok)
	assert.Equal(t, []byte("ckpt"), got)
	got, ok = e2.Get("key-49")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
}

func TestEngineCheckpointUnderConcurrentWrites(t *testing.T) {
	cfg := testConfig(t)

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan int)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				done <- n
				return
			default:
			}
			if err := e.Set(fmt.Sprintf("cc-%d", n), []byte("x"), 0); err == nil {
				n++
			}
		}
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Checkpoint())
	}
	close(stop)
	written := <-done
	e.Shutdown()

	// every concurrently written key survives the rotations
	e2, err := NewEngine(cfg)
	require.NoError(t, err)
	defer e2.Shutdown()
	for i := 0; i < written; i++ {
		_, ok := e2.Get(fmt.Sprintf("cc-%d", i))
		assert.True(t, ok, "lost key cc-%d across checkpoint", i)
	}
}

func TestEngineSyncOnWrite(t *testing.T) {
	cfg := testConfig(t)
	cfg.SyncOnWrite = true

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	defer e.Shutdown()

	require.NoError(t, e.Set("durable", []byte("now"), 0))

	// the record is already on disk before Set returned
	fsync := e.CLog.FsyncLSN()
	assert.Greater(t, fsync.ROffset, uint64(0))
	assert.Equal(t, e.LogFileSize(), fsync.ROffset)
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg := testConfig(t)

	e, err := NewEngine(cfg)
	require.NoError(t, err)
	defer e.Shutdown()
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("snap-%d", i), []byte("v"), 0))
	}

	path := e.snapshotPath(99)
	require.NoError(t, writeSnapshot(path, e.Store))

	restored, err2 := NewEngine(&utils.MemstashConfig{
		RootDirectory:    t.TempDir(),
		CmdLogBufferSize: 1 << 20,
	})
	require.NoError(t, err2)
	defer restored.Shutdown()
	require.NoError(t, loadSnapshot(path, &cmdrec.Codec{Store: restored.Store}))
	assert.Equal(t, 10, restored.Store.Len())
}

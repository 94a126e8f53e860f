package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigParse(t *testing.T) {
	var cfg MemstashConfig
	err := cfg.Parse([]byte(`
root_directory: /var/lib/memstash
listen_port: 11411
log_level: warning
cmdlog_buffer_size: 64M
checkpoint_interval: 300
sync_on_write: true
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/memstash", cfg.RootDirectory)
	assert.Equal(t, "11411", cfg.ListenPort)
	assert.Equal(t, uint64(64*1024*1024), cfg.CmdLogBufferSize)
	assert.Equal(t, 5*time.Minute, cfg.CheckpointInterval)
	assert.True(t, cfg.SyncOnWrite)
}

func TestConfigParseDefaults(t *testing.T) {
	var cfg MemstashConfig
	err := cfg.Parse([]byte("root_directory: /tmp/ms\nlisten_port: 11411\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cfg.CmdLogBufferSize)
	assert.Equal(t, 15*time.Minute, cfg.CheckpointInterval)
	assert.False(t, cfg.SyncOnWrite)
}

func TestConfigParseRejectsMissingFields(t *testing.T) {
	var cfg MemstashConfig
	assert.Error(t, cfg.Parse([]byte("listen_port: 11411\n")))
	assert.Error(t, cfg.Parse([]byte("root_directory: /tmp/ms\n")))
}

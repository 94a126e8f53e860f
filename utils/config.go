package utils

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/memstash/memstash/utils/log"
	"gopkg.in/yaml.v2"
)

var InstanceConfig MemstashConfig

type MemstashConfig struct {
	RootDirectory      string
	ListenPort         string
	CmdLogBufferSize   uint64
	CheckpointInterval time.Duration
	StopGracePeriod    time.Duration
	SyncOnWrite        bool
	StartTime          time.Time
}

func (m *MemstashConfig) Parse(data []byte) error {
	var (
		err error
		aux struct {
			RootDirectory      string `yaml:"root_directory"`
			ListenPort         string `yaml:"listen_port"`
			LogLevel           string `yaml:"log_level"`
			CmdLogBufferSize   string `yaml:"cmdlog_buffer_size"`
			CheckpointInterval int    `yaml:"checkpoint_interval"`
			StopGracePeriod    int    `yaml:"stop_grace_period"`
			SyncOnWrite        string `yaml:"sync_on_write"`
		}
	)

	if err = yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.RootDirectory == "" {
		log.Error("Invalid root directory.")
		return errors.New("invalid root directory")
	}
	m.RootDirectory = aux.RootDirectory

	if aux.ListenPort == "" {
		log.Error("Invalid listen port.")
		return errors.New("invalid listen port")
	}
	m.ListenPort = aux.ListenPort

	if aux.CmdLogBufferSize != "" {
		m.CmdLogBufferSize, err = bytefmt.ToBytes(aux.CmdLogBufferSize)
		if err != nil {
			log.Error("Invalid value: %v for cmdlog_buffer_size.", aux.CmdLogBufferSize)
			return errors.New("invalid cmdlog buffer size")
		}
	}

	if aux.CheckpointInterval > 0 {
		m.CheckpointInterval = time.Duration(aux.CheckpointInterval) * time.Second
	} else {
		m.CheckpointInterval = 15 * time.Minute
	}

	if aux.StopGracePeriod > 0 {
		m.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second
	}

	if aux.SyncOnWrite != "" {
		syncOnWrite, err := strconv.ParseBool(aux.SyncOnWrite)
		if err != nil {
			log.Error("Invalid value: %v for sync_on_write. Running without it...", aux.SyncOnWrite)
		} else {
			m.SyncOnWrite = syncOnWrite
		}
	}

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			fallthrough
		default:
			log.SetLevel(log.INFO)
		}
	}

	return nil
}

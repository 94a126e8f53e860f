package start

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"github.com/memstash/memstash/executor"
	"github.com/memstash/memstash/executor/cmdlog"
	"github.com/memstash/memstash/frontend"
	"github.com/memstash/memstash/utils"
	"github.com/memstash/memstash/utils/log"
)

const (
	usage                 = "start"
	short                 = "Start a memstash cache server"
	long                  = "This command starts a memstash cache server"
	example               = "memstash start --config <path>"
	defaultConfigFilePath = "./memstash.yml"
	configDesc            = "set the path for the memstash YAML configuration file"
)

var (
	// Cmd is the start command.
	Cmd = &cobra.Command{
		Use:        usage,
		Short:      short,
		Long:       long,
		Aliases:    []string{"s"},
		SuggestFor: []string{"boot", "up"},
		Example:    example,
		RunE:       executeStart,
	}
	// configFilePath set flag for a path to the config file.
	configFilePath string
)

// nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	utils.InstanceConfig.StartTime = time.Now()
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

// executeStart implements the start command.
func executeStart(cmd *cobra.Command, _ []string) error {
	// Attempt to read config file.
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file error: %w", err)
	}

	// Don't output command usage if args are correct
	cmd.SilenceUsage = true

	// Log config location.
	log.Info("using %v for configuration", configFilePath)

	// Attempt to set configuration.
	if err := utils.InstanceConfig.Parse(data); err != nil {
		return fmt.Errorf("failed to parse configuration file error: %w", err)
	}

	engine, err := executor.NewEngine(&utils.InstanceConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	log.Info("engine ready. root=%s buffer=%s",
		utils.InstanceConfig.RootDirectory,
		bytefmt.ByteSize(bufferSize(&utils.InstanceConfig)))

	server := frontend.NewServer(engine)

	// Spawn the frontend and shut down cleanly on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(utils.InstanceConfig.ListenPort)
	}()

	select {
	case sig := <-sigChan:
		log.Info("received %v, shutting down...", sig)
	case err := <-serveErr:
		if err != nil {
			log.Error("frontend failed: %v", err)
		}
	}

	server.Shutdown()
	engine.Shutdown()
	return nil
}

func bufferSize(cfg *utils.MemstashConfig) uint64 {
	if cfg.CmdLogBufferSize != 0 {
		return cfg.CmdLogBufferSize
	}
	return uint64(cmdlog.DefaultBufferSize)
}

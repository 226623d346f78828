// Command queuectl runs the script queue orchestrator and gives an
// operator an interactive shell onto it.
//
// Logging:
//   - Base logger is created here with a ComponentFilterHandler for
//     dynamic per-component verbosity
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"scriptqueue/internal/config"
	configfile "scriptqueue/internal/config/file"
	configmem "scriptqueue/internal/config/memory"
	"scriptqueue/internal/demux"
	"scriptqueue/internal/housekeep"
	"scriptqueue/internal/lifecycle"
	"scriptqueue/internal/logging"
	"scriptqueue/internal/queuemodel"
	"scriptqueue/internal/remote"
	"scriptqueue/internal/remote/localbus"
	"scriptqueue/internal/remote/mqttbus"
	"scriptqueue/internal/salindex"
	"scriptqueue/internal/scriptpath"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:     "queuectl",
		Short:   "Run and operate the script queue orchestrator",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, logger, filterHandler)
		},
	}

	rootCmd.Flags().String("config", "", "path to a YAML config file (default: built-in settings)")
	rootCmd.Flags().String("standard-root", "/opt/scripts/standard", "standard script root")
	rootCmd.Flags().String("external-root", "/opt/scripts/external", "external script root")
	rootCmd.Flags().StringSlice("brokers", nil, "MQTT broker URLs; omit to use an in-process bus")
	rootCmd.Flags().String("client-id", "", "MQTT client id")
	rootCmd.Flags().Bool("pause-on-failure", false, "pause the queue on the first script failure")
	rootCmd.Flags().Int("history-max", 0, "completed-script history bound stored in the config (the queue itself always keeps queuemodel.MaxHistory entries)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, logger *slog.Logger, filterHandler *logging.ComponentFilterHandler) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	roots := scriptpath.Roots{Standard: cfg.ScriptRoots.Standard, External: cfg.ScriptRoots.External}

	bus, closeBus, err := connectBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	driver := lifecycle.New(bus, lifecycle.Options{Logger: logger})
	alloc := salindex.New(cfg.Queue.IndexMin, cfg.Queue.IndexMax)

	qm := queuemodel.New(queuemodel.Options{
		Driver:         driver,
		Roots:          roots,
		Allocator:      alloc,
		Logger:         logger,
		PauseOnFailure: cfg.Queue.PauseOnFailure,
	})
	defer qm.Close()

	dmx := demux.New(bus, qm, logger)
	if err := dmx.Start(); err != nil {
		return fmt.Errorf("queuectl: start demux: %w", err)
	}
	defer dmx.Stop()

	sweeper, err := housekeep.New(qm, housekeep.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("queuectl: start housekeeper: %w", err)
	}
	sweeper.Start()
	defer func() { _ = sweeper.Stop() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sh := newShell(qm, filterHandler, os.Stdin, os.Stdout)
	return sh.Run(ctx)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var store config.Store
	if path != "" {
		store = configfile.NewStore(path)
	} else {
		store = configmem.New()
	}

	cfg, err := store.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("queuectl: load config: %w", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	standardRoot, _ := cmd.Flags().GetString("standard-root")
	externalRoot, _ := cmd.Flags().GetString("external-root")
	if cmd.Flags().Changed("standard-root") || cfg.ScriptRoots.Standard == "" {
		cfg.ScriptRoots.Standard = standardRoot
	}
	if cmd.Flags().Changed("external-root") || cfg.ScriptRoots.External == "" {
		cfg.ScriptRoots.External = externalRoot
	}

	if brokers, _ := cmd.Flags().GetStringSlice("brokers"); len(brokers) > 0 {
		cfg.Bus.Brokers = brokers
	}
	if clientID, _ := cmd.Flags().GetString("client-id"); clientID != "" {
		cfg.Bus.ClientID = clientID
	}
	if pauseOnFailure, _ := cmd.Flags().GetBool("pause-on-failure"); cmd.Flags().Changed("pause-on-failure") {
		cfg.Queue.PauseOnFailure = pauseOnFailure
	}
	if historyMax, _ := cmd.Flags().GetInt("history-max"); historyMax > 0 {
		cfg.Queue.MaxHistory = historyMax
	}

	return cfg, nil
}

func connectBus(cfg *config.Config, logger *slog.Logger) (remote.Bus, func(), error) {
	if len(cfg.Bus.Brokers) == 0 {
		bus := localbus.New()
		return bus, func() { _ = bus.Close() }, nil
	}

	clientID := cfg.Bus.ClientID
	if clientID == "" {
		clientID = "queuectl-" + uuid.NewString()
	}
	bus, err := mqttbus.Connect(mqttbus.Options{
		Brokers:        cfg.Bus.Brokers,
		ClientID:       clientID,
		ConnectTimeout: time.Duration(cfg.Bus.ConnectTimeout) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("queuectl: connect to %s: %w", strings.Join(cfg.Bus.Brokers, ","), err)
	}
	return bus, func() { _ = bus.Close() }, nil
}

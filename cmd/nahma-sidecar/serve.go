package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nahma/sidecar/pkg/config"
	"github.com/nahma/sidecar/pkg/log"
	"github.com/nahma/sidecar/pkg/metrics"
	"github.com/nahma/sidecar/pkg/sidecar"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration sidecar",
	Long: `Start the metadata, document, and peer relay endpoints plus the HTTP
adjunct, and serve until interrupted.

Configuration resolves from built-in defaults, then the optional YAML
file, then the environment (SIDECAR_META_PORT, SIDECAR_YJS_PORT,
RELAY_PORT, PORT, NO_PERSIST, NAHMA_STORAGE_DIR).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		swarmKind, _ := cmd.Flags().GetString("swarm")
		if swarmKind != "memory" {
			return fmt.Errorf("unsupported swarm transport %q: the sidecar ships with the in-process memory swarm; network transports are provided by the desktop shell", swarmKind)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		metrics.SetVersion(Version)

		s, err := sidecar.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create sidecar: %w", err)
		}
		if err := s.Start(); err != nil {
			_ = s.Stop(0)
			return fmt.Errorf("failed to start sidecar: %w", err)
		}

		fmt.Printf("✓ Metadata endpoint on %s\n", s.MetaAddr())
		fmt.Printf("✓ Document endpoint on %s\n", s.DocumentAddr())
		fmt.Printf("✓ Relay endpoint on %s\n", s.RelayAddr())
		fmt.Printf("✓ HTTP adjunct on %s\n", s.HTTPAddr())
		if cfg.NoPersist {
			fmt.Println("! Persistence disabled: nothing survives this process")
		} else {
			fmt.Printf("✓ Storage in %s\n", cfg.StorageDir)
		}
		fmt.Println()
		fmt.Println("Sidecar is running. Press Ctrl+C to stop.")

		// Wait for interrupt signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		if err := s.Stop(sidecar.DefaultGrace); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file (optional)")
	serveCmd.Flags().String("swarm", "memory", "Swarm transport (only 'memory' is built in)")
}

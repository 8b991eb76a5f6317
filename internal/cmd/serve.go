package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/ccbridge/internal/bridge"
	"github.com/xcawolfe-amzn/ccbridge/internal/config"
	"github.com/xcawolfe-amzn/ccbridge/internal/ipc"
	"github.com/xcawolfe-amzn/ccbridge/internal/store"
	"github.com/xcawolfe-amzn/ccbridge/internal/telegram"
	"github.com/xcawolfe-amzn/ccbridge/internal/tmux"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon in the foreground (internal)",
	Long: `Run the bridge daemon in the foreground.

This is called internally by 'ccbridge start' and by service supervisors.
Use 'ccbridge start' to run the daemon in the background.`,
	Hidden: true,
	RunE:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.EnsureRoot(cfg.Root); err != nil {
		return err
	}

	logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer logFile.Close()
	logger := log.New(logFile, "", log.LstdFlags)

	if cfg.SocketFallback {
		logger.Printf("socket path exceeds platform limit, using %s", cfg.SocketPath)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	adapter, err := telegram.New(cfg.BotToken, cfg.ChatID, logger)
	if err != nil {
		return err
	}

	b := bridge.New(cfg, st, adapter, tmux.NewInjector(), logger)

	srv := ipc.New(cfg.SocketPath, cfg.PIDPath(), b.HandleEvent, logger)
	if err := srv.Start(); err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			return fmt.Errorf("bridge daemon already running (socket %s)", cfg.SocketPath)
		}
		return err
	}
	b.SetBroadcaster(srv)

	adapter.Start(b.HandleMessage, b.HandleCallback)
	b.StartReaper()
	b.Announce()
	logger.Printf("bridge daemon started, pid %d, socket %s", os.Getpid(), cfg.SocketPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	logger.Printf("received %s, shutting down", got)

	// Shutdown order: stop intake first, then outward-facing pieces.
	srv.Close()
	b.StopReaper()
	adapter.Stop()
	b.Farewell()
	logger.Printf("bridge daemon stopped")
	return nil
}

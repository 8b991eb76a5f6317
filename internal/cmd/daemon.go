package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xcawolfe-amzn/ccbridge/internal/config"
	"github.com/xcawolfe-amzn/ccbridge/internal/store"
	"github.com/xcawolfe-amzn/ccbridge/internal/style"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge daemon in the background",
	Long: `Start the bridge daemon in the background.

The daemon runs until stopped with 'ccbridge stop'. Configuration comes
from CCBRIDGE_* environment variables and config.toml in the state dir;
CCBRIDGE_BOT_TOKEN and CCBRIDGE_CHAT_ID are required.`,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running bridge daemon",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and active sessions",
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the daemon log",
	Long: `View the daemon log file.

Examples:
  ccbridge logs           # Show last 50 lines
  ccbridge logs -n 200    # Show last 200 lines
  ccbridge logs -f        # Follow log output`,
	RunE: runLogs,
}

var (
	logLines  int
	logFollow bool
)

func init() {
	logsCmd.Flags().IntVarP(&logLines, "lines", "n", 50, "Number of lines to show")
	logsCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Follow log output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
}

// daemonPID returns the PID from the PID file when that process is alive.
func daemonPID(cfg *config.Config) (int, bool) {
	data, err := os.ReadFile(cfg.PIDPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Signal 0 probes liveness without touching the process.
	if err := syscall.Kill(pid, 0); err != nil {
		return 0, false
	}
	return pid, true
}

func runStart(cmd *cobra.Command, args []string) error {
	// Full load up front so a missing token fails here, not in the
	// detached child.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if pid, running := daemonPID(cfg); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable: %w", err)
	}

	serve := exec.Command(exe, "serve")
	serve.Env = os.Environ()
	serve.Stdin = nil
	serve.Stdout = nil
	serve.Stderr = nil
	if err := serve.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	// Give the child a moment to take the lock and bind the socket.
	time.Sleep(300 * time.Millisecond)

	pid, running := daemonPID(cfg)
	if !running {
		return fmt.Errorf("daemon failed to start (check 'ccbridge logs')")
	}
	if pid != serve.Process.Pid {
		// A concurrent start won the lock race; that daemon is the one.
		fmt.Printf("%s Daemon already running (PID %d)\n", style.Render(style.Bold, "●"), pid)
		return nil
	}

	fmt.Printf("%s Daemon started (PID %d)\n", style.Render(style.Good, "✓"), pid)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadPaths()
	if err != nil {
		return err
	}
	pid, running := daemonPID(cfg)
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling daemon: %w", err)
	}
	for i := 0; i < 50; i++ {
		if _, alive := daemonPID(cfg); !alive {
			fmt.Printf("%s Daemon stopped (was PID %d)\n", style.Render(style.Good, "✓"), pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (PID %d) did not exit within 5s", pid)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadPaths()
	if err != nil {
		return err
	}

	pid, running := daemonPID(cfg)
	if !running {
		fmt.Printf("%s Daemon is not running\n", style.Render(style.Dim, "○"))
		fmt.Printf("\nStart with: %s\n", style.Render(style.Dim, "ccbridge start"))
		return nil
	}

	fmt.Printf("%s Daemon is %s (PID %d)\n",
		style.Render(style.Bold, "●"), style.Render(style.Good, "running"), pid)
	fmt.Printf("  Socket: %s\n", cfg.SocketPath)

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	sessions, err := st.ActiveSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("\n  No active sessions.")
		return nil
	}

	fmt.Printf("\n%s\n", style.Render(style.Bold, "Active sessions:"))
	table := style.NewTable(
		style.Column{Name: "SESSION", Width: 12},
		style.Column{Name: "THREAD", Width: 8},
		style.Column{Name: "PANE", Width: 12},
		style.Column{Name: "LAST ACTIVE", Width: 16},
		style.Column{Name: "PROJECT", Width: 0},
	)
	for _, s := range sessions {
		id := s.ID
		if len(id) > 12 {
			id = id[:12]
		}
		thread := "-"
		if s.ThreadID != 0 {
			thread = strconv.FormatInt(s.ThreadID, 10)
		}
		pane := s.TmuxTarget
		if pane == "" {
			pane = "-"
		}
		table.AddRow(id, thread, pane, s.LastActive.Local().Format("Jan 02 15:04"), s.ProjectDir)
	}
	fmt.Print(table.Render())
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadPaths()
	if err != nil {
		return err
	}
	logPath := cfg.LogPath()
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return fmt.Errorf("no log file at %s", logPath)
	}

	tailArgs := []string{"-n", strconv.Itoa(logLines)}
	if logFollow {
		tailArgs = []string{"-f"}
	}
	tail := exec.Command("tail", append(tailArgs, logPath)...)
	tail.Stdout = os.Stdout
	tail.Stderr = os.Stderr
	return tail.Run()
}

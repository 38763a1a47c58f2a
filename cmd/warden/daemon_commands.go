package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"warden/internal/daemon"
	"warden/internal/daemonctl"
	"warden/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start [-- startup command...]",
		Short: "Start the warden daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && cmd.ArgsLenAtDash() != 0 {
				return errors.New("startup command must follow --")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(cfg, exe, daemonctl.LaunchOptions{
				ConfigPath:     ctx.configPath,
				LogLevel:       startLogLevel,
				StartupCommand: args,
			}, 10*time.Second)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override logging.level")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the warden daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.Stop(cfg, cfg.ShutdownDeadline()+time.Second)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if result.ForcedKill {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
				return nil
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon statistics and watched processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := collectStatus(cmd, ctx)
			if err != nil {
				return err
			}
			if statusJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snapshot)
			}
			renderStatus(cmd.OutOrStdout(), snapshot, shouldColorize(cmd.OutOrStdout()))
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output JSON")

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

type statusSnapshot struct {
	Running   bool                 `json:"running"`
	PID       int                  `json:"pid,omitempty"`
	Stats     *daemon.Statistics   `json:"stats,omitempty"`
	Processes []daemon.ProcessInfo `json:"processes"`
}

// collectStatus asks a running daemon for its statistics and process list.
func collectStatus(cmd *cobra.Command, ctx *commandContext) (statusSnapshot, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return statusSnapshot{}, err
	}
	snapshot := statusSnapshot{Processes: []daemon.ProcessInfo{}}
	running, err := daemonctl.Running(cfg)
	if err != nil {
		return snapshot, err
	}
	if !running {
		return snapshot, nil
	}
	snapshot.Running = true
	if pid, err := daemonctl.ReadPID(cfg.PIDPath()); err == nil {
		snapshot.PID = pid
	}

	statsReply, err := ctx.request(cmd.Context(), ipc.Request, []string{"stats", "--json"})
	if err != nil {
		return snapshot, err
	}
	var stats daemon.Statistics
	if err := decodeReply(statsReply, &stats); err != nil {
		return snapshot, fmt.Errorf("decode stats: %w", err)
	}
	snapshot.Stats = &stats

	listReply, err := ctx.request(cmd.Context(), ipc.Request, []string{"list", "--json"})
	if err != nil {
		return snapshot, err
	}
	if err := decodeReply(listReply, &snapshot.Processes); err != nil {
		return snapshot, fmt.Errorf("decode process list: %w", err)
	}
	return snapshot, nil
}

func decodeReply(content []string, v any) error {
	if len(content) != 1 {
		return fmt.Errorf("expected one reply element, got %d", len(content))
	}
	if strings.HasPrefix(content[0], "error:") {
		return errors.New(content[0])
	}
	return json.Unmarshal([]byte(content[0]), v)
}

var modeCaser = cases.Title(language.English)

func processRows(procs []daemon.ProcessInfo) [][]string {
	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		handler := p.Handler
		if len(p.HandlerArgs) > 0 {
			handler += "(" + strings.Join(p.HandlerArgs, " ") + ")"
		}
		mode := "started"
		if p.Adopted {
			mode = "adopted"
		}
		mode = modeCaser.String(mode)
		rows = append(rows, []string{
			strconv.Itoa(p.PID),
			handler,
			p.Path,
			strings.Join(p.Args, " "),
			mode,
			p.AttachedAt.Local().Format(time.DateTime),
		})
	}
	return rows
}

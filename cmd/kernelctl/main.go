package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/danmuck/codepod/internal/bridge"
	"github.com/danmuck/codepod/internal/config"
	"github.com/danmuck/codepod/internal/container"
	"github.com/danmuck/codepod/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kernelctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "kernelctl",
		Short:         "Run and inspect per-session notebook kernels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (defaults apply when empty)")

	load := func() (appConfig, error) {
		return loadAppConfig(configPath)
	}
	root.AddCommand(
		newServeCmd(load),
		newSessionsCmd(load),
		newKillCmd(load),
		newConfigCmd(),
	)
	return root
}

func newServeCmd(load func() (appConfig, error)) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the client websocket and admin HTTP surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Service.ListenAddr = listen
			}
			svc := bridge.NewService(cfg.Service, cfg.Docker.supervisor())
			return svc.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen_addr")
	return cmd
}

func newSessionsCmd(load func() (appConfig, error)) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions that own kernel containers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			ids, err := cfg.Docker.supervisor().ListActiveSessions(ctx, container.KernelPrefix+user)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only sessions whose id starts with this prefix")
	return cmd
}

func newKillCmd(load func() (appConfig, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>...",
		Short: "Remove every container a session owns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			svc := bridge.NewService(cfg.Service, cfg.Docker.supervisor())
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			failed := 0
			for _, id := range args {
				if err := container.ValidateSessionID(id); err != nil {
					return err
				}
				report := svc.KillSession(ctx, id)
				if len(report.Warnings) > 0 {
					failed++
				}
				if err := writeJSON(cmd.OutOrStdout(), map[string]any{
					"sessionId": report.SessionID,
					"removed":   report.Removed,
					"warnings":  report.WarningStrings(),
				}); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d session(s) killed with warnings", failed)
			}
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	var (
		kind      string
		out       string
		overwrite bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print or write a config template (service or catalog)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				tpl, err := config.Template(kind)
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), tpl)
				return err
			}
			if err := config.WriteTemplate(out, kind, overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "service", "template kind: service or catalog")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this path instead of stdout")
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sessionr/internal/manager"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	Root       string
	SearchDirs []string
}

type CheckFlags struct {
	Root       string
	SearchDirs []string
	JSON       bool
}

type ControlFlags struct {
	Socket  string
	Name    string
	JSON    bool
	Timeout time.Duration
}

type TemplateCreateFlags struct {
	Type   string
	Name   string
	Output string
	Deps   []string
	Force  bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "sessionr",
		Short: "User session service supervisor",
		Long: `Sessionr starts the services of a login session in dependency order,
restarts them according to their policies and stops them in reverse order
when the session ends.

Examples:
  sessionr run                          # start default.service
  sessionr run --root desktop.target
  sessionr check --root desktop.target  # print the start order
  sessionr status
  sessionr stop`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to config file (toml, yaml or json)")

	root.AddCommand(
		createRunCommand(globalFlags),
		createCheckCommand(globalFlags),
		createStatusCommand(),
		createStopCommand(),
		createTemplateCommand(globalFlags),
	)
	return root
}

func createRunCommand(g *GlobalFlags) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session until its root node stops or a stop is requested",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runSession(cmd.Context(), g.ConfigPath, *f)
			if err != nil {
				return err
			}
			if res.Status == manager.SessionFailed {
				return fmt.Errorf("session %s", res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Root, "root", "", "root node name (default from config)")
	cmd.Flags().StringSliceVar(&f.SearchDirs, "dir", nil, "descriptor directory, highest priority first (repeatable)")
	return cmd
}

func createCheckCommand(g *GlobalFlags) *cobra.Command {
	f := &CheckFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load the node graph and print it in start order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkGraph(cmd.OutOrStdout(), g.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVar(&f.Root, "root", "", "root node name (default from config)")
	cmd.Flags().StringSliceVar(&f.SearchDirs, "dir", nil, "descriptor directory, highest priority first (repeatable)")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createStatusCommand() *cobra.Command {
	f := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	addControlFlags(cmd, f)
	cmd.Flags().StringVar(&f.Name, "name", "", "show a single node")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	return cmd
}

func createStopCommand() *cobra.Command {
	f := &ControlFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Request the running session to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return requestStop(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	addControlFlags(cmd, f)
	return cmd
}

func addControlFlags(cmd *cobra.Command, f *ControlFlags) {
	cmd.Flags().StringVar(&f.Socket, "socket", "", "control socket (default $"+socketEnv+")")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 10*time.Second, "request timeout")
}

func createTemplateCommand(g *GlobalFlags) *cobra.Command {
	f := &TemplateCreateFlags{}
	cmd := &cobra.Command{
		Use:   "new <type> <name>",
		Short: "Write a starter descriptor",
		Long: `Write a starter descriptor file for a node.

Types: service, daemon, oneshot, target, shell, desktop

Examples:
  sessionr new daemon mako.service --dep dbus.service
  sessionr new target graphical-session.target --dep mako.service`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Type, f.Name = args[0], args[1]
			return templateCreate(cmd.OutOrStdout(), g.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "output file (default: user descriptor directory)")
	cmd.Flags().StringSliceVar(&f.Deps, "dep", nil, "dependency (repeatable)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/unitd"
	"github.com/loykin/unitd/pkg/client"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	queryFlags := &QueryFlags{}
	inspectFlags := &InspectFlags{}
	tokenFlags := &TokenFlags{}
	historyFlags := &HistoryFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createUnitsCommand(queryFlags),
		createStatusCommand(queryFlags),
		createInspectCommand(globalFlags, inspectFlags),
		createHistoryCommand(globalFlags, historyFlags),
		createAuthCommand(globalFlags, tokenFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "unitd",
		Short: "Crash-consistent unit manager",
		Long: `unitd starts and supervises services, sockets, mounts and targets described by
unit files, and keeps their state recoverable across its own restarts.

Examples:
  unitd serve --config /etc/unitd/unitd.toml
  unitd units --active failed
  unitd status web.service
  unitd inspect --home /run/unitd`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(globalFlags *GlobalFlags, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the unit manager",
		Long: `Run the unit manager in the foreground. Units left running by a previous
instance are adopted; interrupted operations are compensated first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "append daemon output to this file")
	return cmd
}

func addQueryFlags(cmd *cobra.Command, flags *QueryFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon status URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 0, "request timeout")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&flags.Token, "token", "", "bearer token (see unitd auth token)")
	cmd.Flags().StringVar(&flags.User, "user", "", "basic credentials as user:password")
	cmd.Flags().StringVar(&flags.CAFile, "ca-file", "", "PEM file with the server's CA certificate")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
}

// newClient applies the query flags to a status API client.
func newClient(flags *QueryFlags) (*client.Client, error) {
	user, pass, _ := strings.Cut(flags.User, ":")
	return client.New(client.Config{
		BaseURL:  flags.APIUrl,
		Timeout:  flags.APITimeout,
		Token:    flags.Token,
		Username: user,
		Password: pass,
		CACert:   flags.CAFile,
		Insecure: flags.Insecure,
	})
}

func createUnitsCommand(flags *QueryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units",
		Short: "List units known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			units, err := c.Units(cmd.Context(), client.UnitQuery{Type: flags.Type, Active: flags.Active})
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), units)
			}
			return printUnits(cmd.OutOrStdout(), units)
		},
	}
	addQueryFlags(cmd, flags)
	cmd.Flags().StringVar(&flags.Type, "type", "", "only units of this type (service, socket, mount, target)")
	cmd.Flags().StringVar(&flags.Active, "active", "", "only units in this active state")
	return cmd
}

func createStatusCommand(flags *QueryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status UNIT",
		Short: "Show one unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Unit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			return printUnit(cmd.OutOrStdout(), st)
		},
	}
	addQueryFlags(cmd, flags)
	return cmd
}

func createInspectCommand(globalFlags *GlobalFlags, flags *InspectFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the reliability store of a home directory",
		Long: `Read the reliability store without taking its lock and print the current
generation, the in-flight markers and the content of every table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), globalFlags.ConfigPath, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Home, "home", "", "reliability home (default from config)")
	cmd.Flags().StringSliceVar(&flags.Tables, "table", nil, "only these tables")
	cmd.Flags().BoolVar(&flags.Values, "values", false, "print row values, not only keys")
	return cmd
}

func createHistoryCommand(globalFlags *GlobalFlags, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history UNIT",
		Short: "Show recorded state transitions of a unit",
		Long: `Read the transitions of a unit back from a history sink, newest first. The
sink is --dsn or the first sqlite or postgres entry of [[history]].`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, globalFlags.ConfigPath, args[0], *flags)
		},
	}
	cmd.Flags().StringVar(&flags.DSN, "dsn", "", "history sink to read (default from config)")
	cmd.Flags().IntVarP(&flags.Limit, "lines", "n", 20, "number of transitions")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

func createAuthCommand(globalFlags *GlobalFlags, flags *TokenFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Credentials for the status API",
	}
	hash := &cobra.Command{
		Use:   "hash-password [PASSWORD]",
		Short: "Print a bcrypt hash for a server.auth user",
		Long:  "Print a bcrypt hash for a server.auth user. The password is read from stdin when not given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			h, err := unitd.HashPassword(pw)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
	token := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := unitd.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			tok, err := unitd.IssueToken(cfg.Server, flags.Subject)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	token.Flags().StringVar(&flags.Subject, "subject", "unitctl", "token subject")
	cmd.AddCommand(hash, token)
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "unitd", version)
		},
	}
}

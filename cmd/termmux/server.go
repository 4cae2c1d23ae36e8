package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/acolita/termmux/internal/adapters/realdialog"
	"github.com/acolita/termmux/internal/config"
	"github.com/acolita/termmux/internal/mux"
	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/security"
)

var errAborted = errors.New("aborted")

// serverAddFlags holds the flags of 'server add'.
type serverAddFlags struct {
	host        string
	port        int
	user        string
	key         string
	agent       bool
	passwordEnv string
	term        string
	keepalive   time.Duration
	interactive bool
}

var addFlags serverAddFlags

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage configured SSH servers",
}

var serverAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an SSH server",
	Long: `Add an SSH server to the configuration.

When --host or --user is missing, or --interactive is given, a form is shown
to fill in the rest. A password entered in the form can be saved to the OS
keyring.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		dlg := realdialog.New(realdialog.WithIO(cmd.InOrStdin(), cmd.OutOrStdout()))
		data, err := addFlags.complete(dlg, args)
		if err != nil {
			return err
		}

		srv := serverFromForm(data, addFlags)
		if err := cfg.AddServer(srv); err != nil {
			return err
		}
		if err := config.Save(cfg, flagConfig); err != nil {
			return err
		}
		slog.Info("server added", slog.String("server", srv.Name))

		if data.SavePassword && data.Password != "" {
			if err := savePassword(srv, data.Password); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: password not saved: %v\n", err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", srv.Name, mux.ServerLabel(srv))
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List configured servers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		printServers(cmd.OutOrStdout(), cfg.Servers)
		return nil
	},
}

var serverRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"remove"},
	Short:   "Remove a configured server",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		srv, ok := cfg.FindServer(args[0])
		if !ok || !cfg.RemoveServer(args[0]) {
			return fmt.Errorf("%w: %s", mux.ErrUnknownServer, args[0])
		}
		if err := config.Save(cfg, flagConfig); err != nil {
			return err
		}
		if cfg.Security.UseKeyring {
			// Nothing stored is not an error worth reporting.
			_ = security.NewKeyringStore().DeleteServerPassword(srv.Name, srv.User)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", srv.Name)
		return nil
	},
}

func init() {
	f := serverAddCmd.Flags()
	f.StringVar(&addFlags.host, "host", "", "server hostname or address")
	f.IntVar(&addFlags.port, "port", 22, "SSH port")
	f.StringVar(&addFlags.user, "user", "", "login user")
	f.StringVar(&addFlags.key, "key", "", "private key file")
	f.BoolVar(&addFlags.agent, "agent", false, "authenticate with keys from SSH_AUTH_SOCK")
	f.StringVar(&addFlags.passwordEnv, "password-env", "", "environment variable holding the password")
	f.StringVar(&addFlags.term, "term", "", "TERM for the remote shell")
	f.DurationVar(&addFlags.keepalive, "keepalive", 0, "keepalive interval (0 uses the default)")
	f.BoolVarP(&addFlags.interactive, "interactive", "i", false, "always show the form")

	serverCmd.AddCommand(serverAddCmd, serverListCmd, serverRmCmd)
	rootCmd.AddCommand(serverCmd)
}

// formData prefills the form from the command line.
func (f serverAddFlags) formData(args []string) ports.ServerFormData {
	data := ports.ServerFormData{
		Host:     f.host,
		Port:     f.port,
		User:     f.user,
		KeyPath:  f.key,
		AuthType: "password",
	}
	if len(args) > 0 {
		data.Name = args[0]
	}
	switch {
	case f.key != "":
		data.AuthType = "key"
	case f.agent:
		data.AuthType = "agent"
	}
	data.Confirmed = !f.needsForm(data)
	return data
}

// complete shows the form when the command line is not enough.
func (f serverAddFlags) complete(dlg ports.DialogProvider, args []string) (ports.ServerFormData, error) {
	data := f.formData(args)
	if !f.needsForm(data) {
		return data, nil
	}
	data, err := dlg.ServerConfigForm(data)
	if err != nil {
		return data, err
	}
	if !data.Confirmed {
		return data, errAborted
	}
	return data, nil
}

func (f serverAddFlags) needsForm(data ports.ServerFormData) bool {
	return f.interactive || data.Name == "" || data.Host == "" || data.User == ""
}

// serverFromForm converts the form result into a server entry.
func serverFromForm(data ports.ServerFormData, f serverAddFlags) config.ServerConfig {
	srv := config.ServerConfig{
		Name:      data.Name,
		Host:      data.Host,
		Port:      data.Port,
		User:      data.User,
		Term:      f.term,
		Keepalive: f.keepalive,
	}
	if srv.Port == 0 {
		srv.Port = 22
	}
	switch data.AuthType {
	case "key":
		srv.Auth.KeyPath = data.KeyPath
	case "agent":
		srv.Auth.UseAgent = true
	case "password":
		srv.Auth.PasswordEnv = f.passwordEnv
	}
	return srv
}

func savePassword(srv config.ServerConfig, password string) error {
	secret := []byte(password)
	defer security.WipeBytes(secret)

	ks := security.NewKeyringStore()
	if !ks.IsEnabled() {
		return errors.New("keyring unavailable")
	}
	return ks.StoreServerPassword(srv.Name, srv.User, secret)
}

func printServers(w io.Writer, servers []config.ServerConfig) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "no servers configured")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tAUTH")
	for _, s := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, mux.ServerLabel(s), authLabel(s.Auth))
	}
	tw.Flush()
}

func authLabel(a config.AuthConfig) string {
	switch {
	case a.KeyPath != "":
		return "key " + a.KeyPath
	case a.UseAgent:
		return "agent"
	case a.PasswordEnv != "":
		return "password $" + a.PasswordEnv
	default:
		return "password"
	}
}

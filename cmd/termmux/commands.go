package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/acolita/termmux/internal/commands"
)

var flagCommandName string

var commandsCmd = &cobra.Command{
	Use:     "commands",
	Aliases: []string{"cmd"},
	Short:   "Manage saved commands",
	Long: `Manage the saved command list. The first nine entries can be injected
into the active tab with the prefix key followed by 1-9.`,
}

var commandsAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Save a command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCommands()
		if err != nil {
			return err
		}
		c, err := store.Add(flagCommandName, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d)\n", c.ID, len(store.List()))
		return nil
	},
}

var commandsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved commands",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCommands()
		if err != nil {
			return err
		}
		printCommands(cmd.OutOrStdout(), store.List())
		return nil
	},
}

var commandsRmCmd = &cobra.Command{
	Use:     "rm <index|id|name>",
	Aliases: []string{"remove"},
	Short:   "Delete a saved command",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openCommands()
		if err != nil {
			return err
		}
		c, err := store.Remove(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", c.Name)
		return nil
	},
}

func init() {
	commandsAddCmd.Flags().StringVar(&flagCommandName, "name", "", "display name (defaults to the command text)")
	commandsCmd.AddCommand(commandsAddCmd, commandsListCmd, commandsRmCmd)
	rootCmd.AddCommand(commandsCmd)
}

func openCommands() (*commands.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return commands.Open(cfg.Commands.Path)
}

func printCommands(w io.Writer, list []commands.Command) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no saved commands")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tNAME\tCOMMAND")
	for i, c := range list {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, c.ID, c.Name, c.Text)
	}
	tw.Flush()
}

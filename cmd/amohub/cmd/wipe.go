package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/amohub/amohub/internal/config"
	"github.com/amohub/amohub/internal/storage"
)

var wipeYes bool

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete all stored conversations, identities and CRM bindings",
	RunE:  runWipe,
}

func init() {
	wipeCmd.Flags().BoolVarP(&wipeYes, "yes", "y", false, "Skip confirmation prompt")
	rootCmd.AddCommand(wipeCmd)
}

func runWipe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if !wipeYes {
		color.Red("This deletes ALL data in %s: contacts, message history, tool logs and CRM bindings.", cfg.DBPath)
		fmt.Print("Type 'yes' to continue: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.TrimSpace(line) != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("wipe storage: %w", err)
	}
	color.Green("Storage wiped.")
	return nil
}

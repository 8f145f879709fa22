package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/parentsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", a.cfg.Default.BaseURL)
		fmt.Printf("  Database:    %s\n", valueOrDefault(a.cfg.Default.DBPath, "(default)"))
		fmt.Printf("  Page size:   %d\n", a.engine.PageSize())

		fmt.Println()
		fmt.Println("Session:")
		state := a.client.Session().State()
		if state == parentsync.StateAnonymous {
			fmt.Println("  State:       signed out")
		} else {
			fmt.Println("  State:       saved session")
		}

		fmt.Println()
		fmt.Println("Cache:")
		students, err := a.store.Students(ctx)
		if err != nil {
			return err
		}
		pending, err := a.store.PendingReceiptCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  Students:    %d\n", len(students))
		fmt.Printf("  Pending:     %d read receipt(s)\n", pending)

		fmt.Println()
		reach := "offline"
		if a.probe(ctx) {
			reach = "online"
		}
		fmt.Printf("Server:        %s\n", reach)
		return nil
	},
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	studentsJSON bool

	messagesOffset int
	messagesJSON   bool
)

func init() {
	rootCmd.AddCommand(studentsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(flushCmd)

	studentsCmd.Flags().BoolVar(&studentsJSON, "json", false, "Output JSON")
	messagesCmd.Flags().IntVar(&messagesOffset, "offset", 0, "Number of newer messages to skip")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")
}

// ============================================================================
// students
// ============================================================================

var studentsCmd = &cobra.Command{
	Use:   "students",
	Short: "List the students linked to this account",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		a.probe(ctx)

		res, err := a.dir.Students(ctx)
		if err != nil {
			return err
		}
		if studentsJSON {
			return printJSON(res.Students)
		}
		if note := outcomeNote(res.Outcome); note != "" {
			fmt.Fprintf(os.Stderr, "(%s)\n", note)
		}
		if len(res.Students) == 0 {
			fmt.Println("No students.")
			return nil
		}
		for _, s := range res.Students {
			fmt.Printf("%-6d %-12s %s %s\n", s.ID, s.StudentNumber, s.GivenName, s.FamilyName)
		}
		return nil
	},
}

// ============================================================================
// messages / read / flush
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <student-id>",
	Short: "Show one page of a student's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid student id %q", args[0])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		a.probe(ctx)

		page, err := a.engine.LoadPage(ctx, studentID, messagesOffset)
		if err != nil {
			return err
		}
		if messagesJSON {
			return printJSON(page.Messages)
		}
		if note := outcomeNote(page.Outcome); note != "" {
			fmt.Fprintf(os.Stderr, "(%s)\n", note)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range page.Messages {
			state := "unread"
			switch {
			case m.PendingReceipt():
				state = "read*"
			case m.Read():
				state = "read"
			}
			fmt.Printf("%-8d %-7s %-6s %s  %s\n", m.ID, state, m.Priority,
				m.SentTime.Local().Format("2006-01-02 15:04"), m.Title)
		}
		if len(page.Messages) == a.engine.PageSize() {
			fmt.Printf("\nMore: parentsync messages %d --offset %d\n", studentID, messagesOffset+len(page.Messages))
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <message-id>",
	Short: "Mark a cached message as read",
	Long:  "Mark a cached message as read. The read receipt is delivered by the next flush.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[0])
		}
		ctx := context.Background()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.MarkRead(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Message %d marked read.\n", id)
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver pending read receipts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.probe(ctx) {
			pending, _ := a.store.PendingReceiptCount(ctx)
			fmt.Printf("Offline. %d receipt(s) pending.\n", pending)
			return nil
		}
		n, err := a.engine.FlushAll(ctx)
		if err != nil {
			return fmt.Errorf("flush stopped after %d receipt(s): %w", n, err)
		}
		fmt.Printf("Delivered %d receipt(s).\n", n)
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/parentsync/internal/mockapi"
)

var (
	mockAddr     string
	mockEmail    string
	mockPassword string
	mockMessages int
	mockTTL      time.Duration
	mockEvery    time.Duration
)

func init() {
	rootCmd.AddCommand(mockServerCmd)

	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:8787", "Listen address")
	mockServerCmd.Flags().StringVar(&mockEmail, "email", "parent@example.org", "Seeded account email")
	mockServerCmd.Flags().StringVar(&mockPassword, "password", "secret123", "Seeded account password")
	mockServerCmd.Flags().IntVar(&mockMessages, "messages", 45, "Seeded messages per student")
	mockServerCmd.Flags().DurationVar(&mockTTL, "token-ttl", 5*time.Minute, "Access token lifetime")
	mockServerCmd.Flags().DurationVar(&mockEvery, "new-message-every", 0, "Add a message to the first student at this interval and push it")
}

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run an in-memory school API for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()

		api := mockapi.New(mockapi.Config{
			AccessTTL:           mockTTL,
			SchoolName:          "Example Primary School",
			RotateRefreshTokens: true,
			Logger:              logger,
		})
		seedMock(api, mockEmail, mockPassword, mockMessages)

		srv := &http.Server{Addr: mockAddr, Handler: api, ReadHeaderTimeout: 5 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("Mock API on http://%s (account %s / %s)\n", mockAddr, mockEmail, mockPassword)

		var tick <-chan time.Time
		if mockEvery > 0 {
			t := time.NewTicker(mockEvery)
			defer t.Stop()
			tick = t.C
		}
		next := int64(10_000)
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-tick:
				next++
				api.AddMessage(1, mockapi.Message{
					ID:       next,
					Title:    fmt.Sprintf("Announcement %d", next),
					Content:  "A new announcement from school.",
					Priority: "medium",
					SentTime: time.Now().UTC(),
				})
				logger.Info("pushed new message", zap.Int64("id", next))
			}
		}
	},
}

func seedMock(api *mockapi.Server, email, password string, perStudent int) {
	api.AddUser(email, password, false)
	students := []mockapi.Student{
		{ID: 1, StudentNumber: "S-1001", GivenName: "Ada", FamilyName: "Lovelace", Email: "ada@example.org"},
		{ID: 2, StudentNumber: "S-1002", GivenName: "Alan", FamilyName: "Turing", Email: "alan@example.org"},
	}
	priorities := []string{"high", "medium", "low"}
	base := time.Now().UTC().Add(-time.Duration(perStudent) * time.Hour)
	id := int64(1)
	for _, st := range students {
		api.AddStudent(email, st)
		for i := 0; i < perStudent; i++ {
			api.AddMessage(st.ID, mockapi.Message{
				ID:       id,
				Title:    fmt.Sprintf("%s: notice %d", st.GivenName, i+1),
				Content:  "Please read this notice from school.",
				Priority: priorities[i%len(priorities)],
				SentTime: base.Add(time.Duration(i) * time.Hour),
			})
			id++
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/parentsync"
)

var (
	watchInterval      time.Duration
	watchFlushInterval time.Duration
	watchMetricsAddr   string
	watchNoPush        bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 15*time.Second, "Reachability probe interval")
	watchCmd.Flags().DurationVar(&watchFlushInterval, "flush-interval", time.Minute, "Periodic receipt flush interval")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchNoPush, "no-push", false, "Do not open the push channel")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the cache in sync until interrupted",
	Long:  "Probe reachability, flush read receipts on reconnect and on a timer, and reload message pages on push notifications.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx)
	},
}

// runWatch keeps the cache in sync until ctx is done or the session ends.
func runWatch(parent context.Context) error {
	ctx, stop := context.WithCancel(parent)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := openApp(ctx, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.client.Session().State() == parentsync.StateAnonymous {
		return fmt.Errorf("%s", outcomeNote(parentsync.OutcomeSignOutRequired))
	}

	if watchMetricsAddr != "" {
		srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		fmt.Printf("Metrics on %s/metrics\n", watchMetricsAddr)
	}

	a.engine.On(parentsync.EventReceiptsFlushed, func(_ string, payload any) {
		if ev, ok := payload.(parentsync.ReceiptsEvent); ok {
			fmt.Printf("delivered %d receipt(s) for student %d\n", len(ev.IDs), ev.StudentID)
		}
	})
	a.engine.On(parentsync.EventMessagesUpdated, func(_ string, payload any) {
		if ev, ok := payload.(parentsync.PageEvent); ok {
			fmt.Printf("new messages for student %d\n", ev.StudentID)
		}
	})
	signedOut := make(chan struct{})
	var signedOutOnce sync.Once
	a.client.Session().OnChange(func(ev parentsync.SessionEvent) {
		if ev.State == parentsync.StateAnonymous {
			signedOutOnce.Do(func() { close(signedOut) })
		}
	})
	a.monitor.OnChange(func(_, next parentsync.Reachability) {
		fmt.Printf("server %s\n", next)
	})

	a.engine.Start(ctx)
	registrar := parentsync.NewRegistrar(a.client, a.store, parentsync.InstallationTokenSource{KV: a.store})
	registrar.Start(ctx)
	defer registrar.Wait()

	// Deferred in this order so the context is cancelled and the
	// background loops have returned before the store closes.
	var loops sync.WaitGroup
	defer loops.Wait()
	defer stop()

	loops.Add(1)
	go func() {
		defer loops.Done()
		a.monitor.Run(ctx, &parentsync.HTTPProber{BaseURL: a.client.BaseURL()}, watchInterval)
	}()

	if !watchNoPush {
		listener := parentsync.NewPushListener(a.client, a.engine, parentsync.PushConfig{})
		loops.Add(1)
		go func() {
			defer loops.Done()
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("push channel stopped", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(watchFlushInterval)
	defer ticker.Stop()
	fmt.Println("Watching. Press Ctrl-C to stop.")
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Stopped.")
			return nil
		case <-signedOut:
			return fmt.Errorf("%s", outcomeNote(parentsync.OutcomeSignOutRequired))
		case <-ticker.C:
			if !a.monitor.Online() {
				continue
			}
			if _, err := a.engine.FlushAll(ctx); err != nil {
				if parentsync.OutcomeOf(err) == parentsync.OutcomeSignOutRequired {
					return fmt.Errorf("%s", outcomeNote(parentsync.OutcomeSignOutRequired))
				}
				a.log.Warn("periodic flush failed", zap.Error(err))
			}
		}
	}
}

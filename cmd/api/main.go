package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/punchamoorthee/settlement/internal/api"
	"github.com/punchamoorthee/settlement/internal/common"
	"github.com/punchamoorthee/settlement/internal/config"
	"github.com/punchamoorthee/settlement/internal/ledger"
	"github.com/punchamoorthee/settlement/internal/query"
	"github.com/punchamoorthee/settlement/internal/reconciler"
	"github.com/punchamoorthee/settlement/internal/service"
	"github.com/punchamoorthee/settlement/internal/store"
	"golang.org/x/sync/errgroup"
)

// blockInterval paces the in-process simulator when LEDGER_DRIVER=sim.
const blockInterval = 2 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		common.Log.Panicf("failed to load configuration; %s", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		common.Log.Panicf("failed to open %s store; %s", cfg.StoreDriver, err.Error())
	}
	defer st.Close()

	g, gctx := errgroup.WithContext(ctx)

	var client ledger.Client
	switch cfg.LedgerDriver {
	case config.LedgerDriverNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("settlement-api"), nats.MaxReconnects(-1))
		if err != nil {
			common.Log.Panicf("failed to connect to NATS at %s; %s", cfg.NATSURL, err.Error())
		}
		defer nc.Close()
		client = ledger.NewNATSClient(nc, cfg.SubjectPrefix, cfg.LedgerTimeout)
	default:
		sim := ledger.NewSimulator()
		g.Go(func() error {
			mine(gctx, sim)
			return nil
		})
		client = sim
	}

	intents := service.NewIntentManager(st, client, service.Options{
		MaxAttempts:    cfg.MaxSubmitAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		SubmitInterval: cfg.SubmitInterval,
		Concurrency:    cfg.SubmitConcurrency,
	})
	rec := reconciler.New(st, client, intents, reconciler.Options{
		Interval:            cfg.ReconcileInterval,
		AmbiguousGrace:      cfg.AmbiguousGrace,
		MatchWindow:         cfg.MatchWindow,
		DivergenceTolerance: cfg.DivergenceTolerance,
		PageSize:            cfg.EventPageSize,
	})
	intents.OnAmbiguous(rec.Trigger)

	handler := api.NewHandler(intents, rec, query.NewFacade(st, client), cfg.AmountDecimals)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error { return intents.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error {
		common.Log.Infof("settlement api listening on :%s (%s store, %s ledger)", cfg.Port, cfg.StoreDriver, cfg.LedgerDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		common.Log.Errorf("settlement api exited; %s", err.Error())
		return
	}
	common.Log.Infof("settlement api stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverPostgres {
		return store.NewPostgresStore(ctx, cfg.DBSource)
	}
	return store.OpenSQLite(cfg.SQLitePath)
}

func mine(ctx context.Context, sim *ledger.Simulator) {
	ticker := time.NewTicker(blockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sim.Mine(); n > 0 {
				common.Log.Debugf("simulator mined block with %d transactions", n)
			}
		}
	}
}

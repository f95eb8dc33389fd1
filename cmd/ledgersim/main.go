package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/punchamoorthee/settlement/internal/common"
	"github.com/punchamoorthee/settlement/internal/ledger"
)

var (
	natsURL  string
	prefix   string
	interval time.Duration
	echoIDs  bool
)

func init() {
	flag.StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	flag.StringVar(&prefix, "prefix", ledger.DefaultSubjectPrefix, "Ledger subject prefix")
	flag.DurationVar(&interval, "block-interval", 2*time.Second, "Time between mined blocks")
	flag.BoolVar(&echoIDs, "echo-intent-ids", false, "Carry intent ids on emitted events")
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(natsURL, nats.Name("settlement-ledgersim"), nats.MaxReconnects(-1))
	if err != nil {
		common.Log.Panicf("failed to connect to NATS at %s; %s", natsURL, err.Error())
	}
	defer nc.Close()

	sim := ledger.NewSimulator()
	sim.EchoIntentIDs = echoIDs

	relayer, err := ledger.Serve(nc, prefix, sim)
	if err != nil {
		common.Log.Panicf("failed to serve ledger simulator; %s", err.Error())
	}
	defer relayer.Close()
	common.Log.Infof("ledger simulator serving %s.* on %s; block interval %s", prefix, natsURL, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			common.Log.Infof("ledger simulator stopped")
			return
		case <-ticker.C:
			if n := sim.Mine(); n > 0 {
				common.Log.Debugf("mined block with %d transactions", n)
			}
		}
	}
}

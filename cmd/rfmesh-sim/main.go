// Command rfmesh-sim runs an in-process cluster over the in-memory medium:
// one master plus n slaves with configurable link strengths. Useful for
// watching the protocol converge without any sockets or hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rfmesh/pkg/master"
	"rfmesh/pkg/protocol"
	"rfmesh/pkg/sim"
	"rfmesh/pkg/slave"
)

func main() {
	n := flag.Int("slaves", 3, "number of slave nodes")
	dur := flag.Duration("run", 30*time.Second, "how long to run (0 = until Ctrl+C)")
	weak := flag.Int("weak", 1, "how many of the slaves sit below the direct threshold")
	dev := flag.Bool("dev", true, "development logging")
	flag.Parse()

	var logger *zap.Logger
	var err error
	if *dev {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	opts, err := buildTopology(*n, *weak)
	if err != nil {
		zap.L().Fatal("bad topology", zap.Error(err))
	}
	cl, err := sim.New(opts)
	if err != nil {
		zap.L().Fatal("build cluster", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *dur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *dur)
		defer cancel()
	}

	zap.L().Info("simulation starting", zap.Int("slaves", *n), zap.Int("weak", *weak))
	_ = cl.Run(ctx)

	for _, rec := range cl.Controller.Table().Ranked() {
		zap.L().Info("final route",
			zap.Stringer("addr", rec.Addr),
			zap.Uint8("id", rec.ID),
			zap.Int8("direct_rssi", rec.DirectRSSI),
			zap.Uint8("hops", rec.HopCount),
			zap.Uint8("relay", rec.RelayID),
			zap.Int16("path_rssi", rec.PathRSSI),
			zap.Bool("active", rec.Active))
	}
}

// buildTopology spreads n slaves across the RSSI range. The first `weak`
// nodes land below the direct threshold and get a strong peer link to the
// best-placed slave so a two-hop route exists for them.
func buildTopology(n, weak int) (sim.Options, error) {
	if n < 1 {
		return sim.Options{}, fmt.Errorf("need at least one slave, got %d", n)
	}
	if weak >= n {
		weak = n - 1
	}

	masterAddr := protocol.MustParseAddr("01:00:00:00:00:aa")
	strongest := slaveAddr(1)
	specs := make([]sim.SlaveSpec, 0, n)
	for i := 0; i < n; i++ {
		spec := sim.SlaveSpec{Addr: slaveAddr(i + 1)}
		if i < n-weak {
			// direct nodes: -50 .. -95 dBm
			spec.MasterRSSI = int8(-50 - i*45/max(n-weak, 1))
		} else {
			spec.MasterRSSI = int8(-105 - (i-(n-weak))*5)
			spec.PeerRSSI = map[protocol.Addr]int8{strongest: -40}
		}
		specs = append(specs, spec)
	}

	mp := master.DefaultParams()
	sp := slave.DefaultParams()
	return sim.Options{
		MasterAddr:   masterAddr,
		Slaves:       specs,
		MasterParams: mp,
		SlaveParams:  sp,
		MaxNodes:     n + 4,
	}, nil
}

func slaveAddr(i int) protocol.Addr {
	return protocol.MustParseAddr(fmt.Sprintf("02:00:00:00:00:%02x", i))
}

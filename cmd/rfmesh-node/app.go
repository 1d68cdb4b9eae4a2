package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rfmesh/pkg/config"
	"rfmesh/pkg/master"
	"rfmesh/pkg/memkv"
	"rfmesh/pkg/nodes"
	"rfmesh/pkg/observability"
	"rfmesh/pkg/protocol"
	"rfmesh/pkg/radio"
	"rfmesh/pkg/radio/udp"
	"rfmesh/pkg/slave"
	"rfmesh/pkg/status"
	"rfmesh/pkg/telemetry"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.Role != "" {
		if opts.Role != "master" && opts.Role != "slave" {
			_, _ = os.Stderr.WriteString("invalid -role: " + opts.Role + "\n")
			return 1
		}
		cfg.Role = opts.Role
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("rfmesh-node started", zap.String("app", cfg.AppName), zap.String("role", cfg.Role))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	addr, err := protocol.ParseAddr(cfg.Addr)
	if err != nil {
		zap.L().Error("invalid node address", zap.String("addr", cfg.Addr), zap.Error(err))
		return 1
	}

	r, err := buildRadio(cfg)
	if err != nil {
		zap.L().Error("failed to start radio", zap.Error(err))
		return 1
	}
	defer func() { _ = r.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Role {
	case "master":
		return runMaster(ctx, cfg, addr, r)
	default:
		return runSlave(ctx, cfg, addr, r)
	}
}

func buildRadio(cfg *config.Config) (radio.Radio, error) {
	// only the udp bench bridge is in-tree; hardware radios implement the
	// same interface out of tree
	return udp.New(cfg.Radio.Listen, cfg.Radio.Peers, int8(cfg.Radio.TxRSSI))
}

func runMaster(ctx context.Context, cfg *config.Config, addr protocol.Addr, r radio.Radio) int {
	kv := memkv.New(memkv.Options{})
	defer kv.Close()
	tbl := nodes.New(kv, cfg.Protocol.MaxNodes)

	p := master.DefaultParams()
	p.NumProbers = cfg.Protocol.NumProbers
	p.DiscoveryWindow = ms(cfg.Protocol.DiscoveryWindowMS)
	p.ReportWindow = ms(cfg.Protocol.ReportWindowMS)
	p.HeartbeatTimeout = ms(cfg.Protocol.HeartbeatTimeoutMS)
	p.LivenessTick = ms(cfg.Protocol.LivenessTickMS)
	p.TableDump = ms(cfg.Protocol.TableDumpMS)
	p.RediscoverPeriod = ms(cfg.Protocol.RediscoverPeriodMS)

	if cfg.Status.Enable {
		srv := status.New(tbl, cfg.Status.Listen)
		srv.Start()
		defer func() { _ = srv.Shutdown(context.Background()) }()
	}

	ctrl := master.New(addr, r, tbl, p)
	if err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		zap.L().Error("master stopped", zap.Error(err))
		return 1
	}
	zap.L().Info("master shut down")
	return 0
}

func runSlave(ctx context.Context, cfg *config.Config, addr protocol.Addr, r radio.Radio) int {
	p := slave.DefaultParams()
	p.DirectThreshold = int8(cfg.Protocol.DirectThresholdDBM)
	p.AckJitter = ms(cfg.Protocol.AckJitterMS)
	p.DirectCommWindow = ms(cfg.Protocol.DirectCommWindowMS)
	p.HeartbeatPeriod = ms(cfg.Protocol.HeartbeatPeriodMS)
	p.TelemetryPeriod = ms(cfg.Protocol.TelemetryPeriodMS)
	p.TelemetryDelta = float32(cfg.Protocol.TelemetryDelta)

	src := telemetry.NewSim(20, 2, time.Minute)
	agent := slave.New(addr, r, src, p)
	err := agent.Run(ctx)
	st := agent.Stats()
	zap.L().Info("slave shut down",
		zap.Uint64("frames_in", st.FramesIn),
		zap.Uint64("frames_out", st.FramesOut),
		zap.Uint64("relayed", st.Relayed),
		zap.Uint64("dup_dropped", st.DupDropped))
	if err != nil && ctx.Err() == nil {
		zap.L().Error("slave stopped", zap.Error(err))
		return 1
	}
	return 0
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

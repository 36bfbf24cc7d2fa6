package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/fanoutsink/internal/acceptor"
	"github.com/adred-codev/fanoutsink/internal/config"
	"github.com/adred-codev/fanoutsink/internal/fanout"
	"github.com/adred-codev/fanoutsink/internal/logging"
	"github.com/adred-codev/fanoutsink/internal/producer"
	"github.com/adred-codev/fanoutsink/internal/sysmon"
	"github.com/adred-codev/fanoutsink/internal/telemetry"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLogger := log.New(os.Stdout, "[fanoutsinkd] ", log.LstdFlags)

	maxProcs := runtime.GOMAXPROCS(0)
	startupLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

	cfg, err := config.Load(nil)
	if err != nil {
		startupLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	sinkCfg := toSinkConfig(cfg)
	sink, err := fanout.NewSink(sinkCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct sink")
	}
	sink.Start()

	monitor := sysmon.New(logger)
	monitor.Start(cfg.MetricsInterval)

	go drainNotifications(sink, logger)

	prod, err := producer.New(producer.Config{
		URL:             cfg.NATSURL,
		Subject:         cfg.NATSSubject,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}, sink, logger, decodeEnvelope)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start producer")
	}

	accept := acceptor.New(sink, cfg.MaxConnections, logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", accept)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening for websocket upgrades")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", telemetry.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	accept.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	prod.Close()
	sink.Stop()
	monitor.Stop()
	logger.Info().Msg("shutdown complete")
}

func drainNotifications(sink *fanout.Sink, logger zerolog.Logger) {
	for note := range sink.Notifications() {
		switch note.Kind {
		case fanout.ClientAdded:
			logger.Debug().Msg("client_added notification")
		case fanout.ClientRemoved:
			logger.Debug().Str("status", note.Status.String()).Msg("client_removed notification")
		case fanout.ClientFDRemoved:
			logger.Debug().Msg("client_fd_removed notification")
		}
	}
}

func toSinkConfig(cfg *config.Config) fanout.Config {
	sc := fanout.DefaultConfig()
	sc.UnitType = parseUnit(cfg.UnitType)
	sc.UnitsMax = cfg.UnitsMax
	sc.UnitsSoftMax = cfg.UnitsSoftMax
	sc.BuffersMin = specOrUnset(fanout.UnitBuffers, cfg.BuffersMin)
	sc.BytesMin = specOrUnset(fanout.UnitBytes, cfg.BytesMin)
	if cfg.TimeMinMS >= 0 {
		sc.TimeMin = fanout.Spec{Unit: fanout.UnitTime, Value: cfg.TimeMinMS * int64(time.Millisecond)}
	}
	sc.DefSyncMethod = parseSyncMethod(cfg.DefSyncMethod)
	burstUnit := parseUnit(cfg.DefBurstUnit)
	sc.DefBurst = fanout.BurstSpec{
		Min: specOrUnset(burstUnit, cfg.DefBurstMin),
		Max: specOrUnset(burstUnit, cfg.DefBurstMax),
	}
	sc.RecoverPolicy = parseRecoverPolicy(cfg.RecoverPolicy)
	sc.ResendStreamheader = cfg.ResendStreamheader
	sc.HandleRead = cfg.HandleRead
	sc.Timeout = cfg.ClientTimeout
	sc.QoSDSCP = cfg.QoSDSCP
	sc.PollTimeout = cfg.PollTimeout
	sc.StopGracePeriod = cfg.StopGracePeriod
	return sc
}

func specOrUnset(unit fanout.Unit, value int64) fanout.Spec {
	if value < 0 {
		return fanout.Unset
	}
	return fanout.Spec{Unit: unit, Value: value}
}

func parseUnit(s string) fanout.Unit {
	switch s {
	case "bytes":
		return fanout.UnitBytes
	case "time":
		return fanout.UnitTime
	default:
		return fanout.UnitBuffers
	}
}

func parseSyncMethod(s string) fanout.SyncMethod {
	switch s {
	case "next-keyframe":
		return fanout.SyncNextKeyframe
	case "latest-keyframe":
		return fanout.SyncLatestKeyframe
	case "burst":
		return fanout.SyncBurst
	case "burst-keyframe":
		return fanout.SyncBurstKeyframe
	case "burst-with-keyframe":
		return fanout.SyncBurstWithKeyframe
	default:
		return fanout.SyncLatest
	}
}

func parseRecoverPolicy(s string) fanout.RecoverPolicy {
	switch s {
	case "resync-latest":
		return fanout.RecoverResyncLatest
	case "resync-soft-limit":
		return fanout.RecoverResyncSoftLimit
	case "resync-keyframe":
		return fanout.RecoverResyncKeyframe
	default:
		return fanout.RecoverNone
	}
}

// decodeEnvelope turns a raw NATS message into a Payload. The wire format
// is a 1-byte flag field (bit0 = keyframe, bit1 = has timestamp, bit2 =
// streamheader), an 8-byte big-endian nanosecond timestamp (present iff
// bit1 is set), and the remaining bytes as opaque data.
func decodeEnvelope(data []byte) (*fanout.Payload, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("decode: empty message")
	}
	flags := data[0]
	keyframe := flags&0x1 != 0
	hasTS := flags&0x2 != 0
	header := flags&0x4 != 0
	offset := 1
	var ts int64
	if hasTS {
		if len(data) < offset+8 {
			return nil, fmt.Errorf("decode: truncated timestamp")
		}
		ts = int64(binary.BigEndian.Uint64(data[offset : offset+8]))
		offset += 8
	}
	body := make([]byte, len(data)-offset)
	copy(body, data[offset:])
	return fanout.NewPayload(body, ts, hasTS, header, keyframe), nil
}

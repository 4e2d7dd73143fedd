// cmd/hivemind is the sidecar entrypoint: it loads the rule configuration,
// starts the Envoy v3 rate-limit gRPC service, and — when --mesh is set —
// joins the gossip substrate so counters replicate across peers.
//
// Example — single node, no mesh:
//
//	./hivemind --config ./rules.yaml --addr 127.0.0.1:8081
//
// Example — 3-node mesh:
//
//	./hivemind --config ./rules.yaml --node-id n1 --addr :8081 --mesh \
//	           --admin-addr 127.0.0.1:9081 \
//	           --mesh-addr :7946 --peers localhost:7947,localhost:7948
//	./hivemind --config ./rules.yaml --node-id n2 --addr :8082 --mesh \
//	           --admin-addr 127.0.0.1:9082 \
//	           --mesh-addr :7947 --peers localhost:7946,localhost:7948
//	./hivemind --config ./rules.yaml --node-id n3 --addr :8083 --mesh \
//	           --admin-addr 127.0.0.1:9083 \
//	           --mesh-addr :7948 --peers localhost:7946,localhost:7947
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"

	"hivemind/internal/admission"
	"hivemind/internal/clock"
	"hivemind/internal/config"
	"hivemind/internal/counter"
	"hivemind/internal/debug"
	"hivemind/internal/gossip"
	"hivemind/internal/logging"
	"hivemind/internal/ratelimitsvc"
)

const (
	exitOK = iota
	exitConfigError
	exitBindError
	exitInternalFatal
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML rule file (required)")
	addr := flag.String("addr", "127.0.0.1:8081", "gRPC listen address")
	adminAddr := flag.String("admin-addr", "127.0.0.1:8082", "admin/debug HTTP listen address")
	mesh := flag.Bool("mesh", false, "enable distributed mode (start the Replicator and gossip substrate)")
	nodeID := flag.String("node-id", "", "cluster-unique identifier (auto-generated UUID if absent)")
	meshAddr := flag.String("mesh-addr", "0.0.0.0:7946", "bind address for the KV-gossip substrate")
	peers := flag.String("peers", "", "comma-separated bootstrap peers (host:port)")
	publishInterval := flag.Duration("publish-interval", 100*time.Millisecond, "how often this node publishes local counter state to the gossip substrate")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "hivemind: --config is required")
		return exitConfigError
	}
	if *nodeID == "" {
		*nodeID = uuid.NewString()
	}

	log := logging.New(*nodeID, *logLevel)

	ruleStore, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("config: failed to load rule file")
		return exitConfigError
	}

	clk := clock.New()
	counters := counter.NewStore(*nodeID)
	engine := admission.New(ruleStore, clk, counters, log)

	var replicator *gossip.Replicator
	var substrate *gossip.HTTPSubstrate
	if *mesh {
		peerAddrs := splitCSV(*peers)
		substrate = gossip.NewHTTPSubstrate(*nodeID, *meshAddr, peerAddrs, *publishInterval, log)
		replicator = gossip.New(*nodeID, counters, substrate, *publishInterval, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bgErr error
	bgDone := make(chan struct{})
	if *mesh {
		go func() {
			defer close(bgDone)
			bgErr = substrate.Run(ctx)
		}()
		go func() { _ = replicator.Run(ctx) }()
	} else {
		close(bgDone)
	}

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Error().Err(err).Str("addr", *addr).Msg("gRPC: failed to bind")
		return exitBindError
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(ratelimitsvc.LoggingInterceptor(log)))
	rlsv3.RegisterRateLimitServiceServer(grpcServer, ratelimitsvc.New(engine, log))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(debug.Logger(log), debug.Recovery(log))
	debug.NewHandler(ruleStore, counters, *nodeID).Register(router)
	adminSrv := &http.Server{Addr: *adminAddr, Handler: router}

	go func() {
		log.Info().Str("addr", *addr).Str("node_id", *nodeID).Bool("mesh", *mesh).Msg("hivemind: gRPC listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC: serve error")
		}
	}()
	go func() {
		log.Info().Str("addr", *adminAddr).Msg("hivemind: admin surface listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin: listen error")
		}
	}()

	go gcLoop(ctx, counters, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("hivemind: shutting down")

	cancel() // lets publishLoop drain for up to one publish interval
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = adminSrv.Shutdown(shutdownCtx)

	<-bgDone
	if bgErr != nil {
		log.Error().Err(bgErr).Msg("hivemind: gossip substrate exited with error")
		return exitInternalFatal
	}
	return exitOK
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// gcLoop periodically sweeps expired counter keys so long-lived windows
// (day-granularity limits) don't accumulate forever in memory.
func gcLoop(ctx context.Context, counters *counter.Store, log zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := counters.GC(time.Now())
			if n > 0 {
				log.Debug().Int("removed", n).Msg("counter GC swept expired windows")
			}
		}
	}
}

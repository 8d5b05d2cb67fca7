package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/auramesh/config"
	"github.com/user/auramesh/logger"
	"github.com/user/auramesh/message"
	"github.com/user/auramesh/metrics"
	"github.com/user/auramesh/node"
	"github.com/user/auramesh/radio"
	"github.com/user/auramesh/radio/sim"
	"github.com/user/auramesh/recovery"
)

var chatServices = []radio.Service{{
	UUID: "a1b2c3d4-0001-4000-8000-00805f9b34fb",
	Characteristics: []radio.Characteristic{
		{UUID: "a1b2c3d4-0002-4000-8000-00805f9b34fb", Notify: true}, // text
		{UUID: "a1b2c3d4-0003-4000-8000-00805f9b34fb"},               // profile
	},
}}

type stats struct {
	sent      atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	restored  atomic.Int64
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "", "Log level override (TRACE, DEBUG, INFO, WARN, ERROR)")
	nodes := flag.Int("nodes", 3, "Number of simulated nodes")
	messages := flag.Int("messages", 5, "Messages each node broadcasts")
	loss := flag.Float64("loss", sim.DefaultConfig().PacketLossRate, "Broadcast frame loss rate")
	seed := flag.Int64("seed", 0, "Random seed; 0 picks one")
	wait := flag.Duration("wait", 5*time.Second, "How long to keep running after the last send")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.Parse()

	if *nodes < 2 {
		fmt.Println("Usage: auramesh-sim --nodes <n> (n >= 2)")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}
	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr, reg)
	}

	simCfg := sim.DefaultConfig()
	simCfg.PacketLossRate = *loss
	if *seed != 0 {
		simCfg.Deterministic = true
		simCfg.Seed = *seed
	}
	air := sim.NewAir(simCfg, nil, logger.NewFactory("sim"))

	fmt.Printf("=== auramesh simulation: %d nodes, %d messages each, %.1f%% loss ===\n\n",
		*nodes, *messages, *loss*100)

	var st stats
	all := make([]*node.Node, 0, *nodes)
	radios := make([]*sim.Radio, 0, *nodes)
	for i := 0; i < *nodes; i++ {
		r := air.NewRadio(fmt.Sprintf("radio-%d", i), chatServices)
		radios = append(radios, r)

		nodeCfg := *cfg
		nodeCfg.Node.ID = ""
		nodeCfg.Node.Name = fmt.Sprintf("node-%d", i)

		n, err := node.New(&nodeCfg, r, node.WithMetrics(m))
		if err != nil {
			log.Fatalf("Failed to create node %d: %v", i, err)
		}
		wire(n, &st)
		all = append(all, n)
		go func() {
			if err := n.Run(ctx); err != nil {
				log.Printf("node %s stopped: %v", n.Name(), err)
			}
		}()
	}
	defer func() {
		for i, n := range all {
			n.Close()
			radios[i].Close()
		}
	}()

	// node-0 keeps a direct session with node-1 so drops are recovered
	if err := all[0].ConnectPeer(radios[1].Address()); err != nil {
		log.Printf("connect failed: %v", err)
	}

	for round := 0; round < *messages && ctx.Err() == nil; round++ {
		for _, n := range all {
			content := fmt.Sprintf("message %d from %s", round+1, n.Name())
			if _, err := n.SendMessage([]byte(content), message.KindChat); err != nil {
				log.Printf("%s: send failed: %v", n.Name(), err)
				continue
			}
			st.sent.Add(1)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if ctx.Err() == nil && len(radios[0].Links()) > 0 {
		fmt.Println("\nDropping link radio-0 <-> radio-1 to exercise recovery")
		radios[0].Drop(radios[1].Address())
	}

	select {
	case <-ctx.Done():
	case <-time.After(*wait):
	}

	expected := st.sent.Load() * int64(*nodes-1)
	fmt.Println("\n=== Summary ===")
	fmt.Printf("  Sent:      %d\n", st.sent.Load())
	fmt.Printf("  Delivered: %d of %d expected (%.1f%%)\n",
		st.delivered.Load(), expected, percent(st.delivered.Load(), expected))
	fmt.Printf("  Failed:    %d\n", st.failed.Load())
	fmt.Printf("  Sessions restored: %d\n", st.restored.Load())
}

// wire registers the demo callbacks on n
func wire(n *node.Node, st *stats) {
	name := n.Name()
	n.OnMessageDelivered(func(msg *message.Message) {
		st.delivered.Add(1)
		fmt.Printf("[%s] <- %s: %q\n", name, logger.ShortID(msg.Sender), msg.Content)
	})
	n.OnMessageFailed(func(id string) {
		st.failed.Add(1)
		fmt.Printf("[%s] message %s failed\n", name, id)
	})
	n.OnConnectionStateChanged(func(peer string, state recovery.State) {
		fmt.Printf("[%s] %s is %s\n", name, peer, state)
		if state != recovery.StateConnected || n.Session(peer) != nil {
			return
		}
		services := n.DiscoveredServices(peer)
		if len(services) == 0 {
			services = chatServices
		}
		subscribe := map[string]bool{chatServices[0].Characteristics[0].UUID: true}
		if err := n.SaveSession(peer, "", recovery.DescriptorsFrom(services, subscribe)); err != nil {
			log.Printf("[%s] save session: %v", name, err)
		}
	})
	n.OnSessionRestored(func(peer string, ok bool) {
		if ok {
			st.restored.Add(1)
		}
		fmt.Printf("[%s] session with %s restored=%t\n", name, peer, ok)
	})
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Serving metrics on %s/metrics\n", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("metrics server: %v", err)
	}
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

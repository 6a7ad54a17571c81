// Command clustersyncd is the per-node process that drives a tightly
// coupled render cluster through its per-frame barrier protocol: a master
// runs the render loop and broadcasts frame state, every slave mirrors the
// same frame count and blocks on the configured barrier back end.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ivs-cluster/clustersync/busrelay"
	"github.com/ivs-cluster/clustersync/cluster"
	"github.com/ivs-cluster/clustersync/cmn/cos"
	"github.com/ivs-cluster/clustersync/cmn/nlog"
	"github.com/ivs-cluster/clustersync/config"
	"github.com/ivs-cluster/clustersync/stats"
	"github.com/ivs-cluster/clustersync/wire"
)

// relayedSendKind tags a wire.Message that originated from the external bus
// relay rather than the per-frame protocol itself.
const relayedSendKind = 2

var (
	configPath string
	rank       int
	masterAddr string
	masterPort int
	forceMPI   bool
	debugFrame bool
	metricsURL string
	logDir     string
	busDemo    bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to the cluster configuration file")
	flag.IntVar(&rank, "rank", 0, "this process's rank; 0 designates the master")
	flag.StringVar(&masterAddr, "master", "", "master's app-channel host (slaves only)")
	flag.IntVar(&masterPort, "master-port", 9100, "master's app-channel listening port")
	flag.BoolVar(&forceMPI, "force-mpi", false, "override the configured sync mode with message-passing")
	flag.BoolVar(&debugFrame, "debug-framed", false, "wrap the back end in divergence-detecting debug framing")
	flag.StringVar(&metricsURL, "metrics-addr", "", "if set, serve Prometheus metrics on this address (master only)")
	flag.StringVar(&logDir, "log-dir", "", "directory for rotated log files; empty logs to stderr only")
	flag.BoolVar(&busDemo, "bus-demo", false, "relay stdin lines into the cluster as external-bus messages (master only)")
	nlog.InitFlags(flag.CommandLine)
}

func main() {
	flag.Parse()
	if logDir != "" {
		nlog.SetLogDirRole(logDir, roleName())
	}
	nlog.SetTitle("clustersyncd")

	cfg, err := config.Load(configPath)
	if err != nil {
		cos.ExitIO(err)
	}
	if err := cfg.Validate(); err != nil {
		cos.ExitIO(err)
	}

	sink := stats.NewSink(cfg.Statistics)
	if metricsURL != "" && rank == 0 {
		reg := prometheus.NewRegistry()
		sink.RegisterPrometheus(reg)
		go serveMetrics(metricsURL, reg)
	}

	ctl, err := cluster.NewController(cfg, cluster.Options{
		Rank:        rank,
		MasterAddr:  masterAddr,
		MasterPort:  masterPort,
		ForceMPI:    forceMPI,
		Sink:        sink,
		DebugFramed: debugFrame,
	})
	if err != nil {
		cos.ExitIO(err)
	}
	installSignalHandler(ctl)

	if busDemo && ctl.Role() == cluster.RoleMaster {
		client := busrelay.NewLineClient(os.Stdin, "bus-demo")
		relay := busrelay.NewRelay(client, func(m busrelay.Msg) error {
			_, err := ctl.BroadcastMessage(cluster.ChanApp, &wire.Message{
				Header:  wire.Header{SendKind: relayedSendKind},
				Payload: m.Payload,
			})
			return err
		})
		ctl.SetExternalBus(relay)
	}

	nlog.Infof("clustersyncd: running as %s, rank %d, mode %s", ctl.Role(), ctl.Rank(), ctl.Mode())
	runFrameLoop(ctl)
}

// runFrameLoop drives the per-frame protocol described in §4.2.5: each
// iteration advances the app-channel frame number, runs the draw-channel
// barrier, exchanges a heartbeat, and, once a second, syncs wall-clock time
// and statistics. A real render host would interleave its own draw calls
// between SyncApp and SyncDraw; this loop stands in for that work.
func runFrameLoop(ctl *cluster.Controller) {
	var frame uint32
	lastTimeSync := time.Now()

	for {
		if err := ctl.SyncApp(frame); err != nil {
			nlog.Errorf("clustersyncd: SyncApp failed: %v", err)
			cos.ExitIO(err)
		}

		// draw work happens here in a real renderer

		if err := ctl.SyncDraw(); err != nil {
			nlog.Errorf("clustersyncd: SyncDraw failed: %v", err)
			cos.ExitIO(err)
		}

		if err := ctl.HeartBeat("frame", cluster.ChanApp); err != nil {
			nlog.Errorf("clustersyncd: heartbeat failed: %v", err)
			cos.ExitIO(err)
		}

		if err := ctl.SyncExternalBusMessages(); err != nil {
			nlog.Errorf("clustersyncd: external bus relay failed: %v", err)
		}

		if time.Since(lastTimeSync) >= time.Second {
			if err := ctl.SyncTime(); err != nil {
				nlog.Errorf("clustersyncd: SyncTime failed: %v", err)
			}
			lastTimeSync = time.Now()
		}

		frame++
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		nlog.Errorf("clustersyncd: metrics server stopped: %v", err)
	}
}

func roleName() string {
	if rank == 0 {
		return "master"
	}
	return fmt.Sprintf("slave%d", rank)
}

func installSignalHandler(ctl *cluster.Controller) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		nlog.Infoln("clustersyncd: shutting down")
		_ = ctl.Close()
		nlog.Flush(true)
		os.Exit(0)
	}()
}

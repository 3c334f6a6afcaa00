// command relayctl runs the NFC relay engine against two serial ports,
// logging metric snapshots and alert events until interrupted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"nfcrelay.dev/relay"
	"nfcrelay.dev/relayevent"
)

var (
	clientDev       = flag.String("client", "", "client-side serial device")
	hostDev         = flag.String("host", "", "host-side serial device")
	baud            = flag.Int("baud", 921600, "baud rate")
	bufCap          = flag.Int("buffer", 4096, "ring buffer capacity in bytes")
	latencyWindow   = flag.Int("latency-window", 100, "latency sample window size")
	latencyThreshNS = flag.Int64("latency-threshold-ns", 5_000_000, "high-latency threshold in nanoseconds")
	metricTickMs    = flag.Int("metric-tick-ms", 100, "metrics snapshot interval in milliseconds")
	autoRestart     = flag.Bool("auto-restart", false, "restart the relay on fatal error")
	verifyChecksum  = flag.Bool("verify-checksum", false, "verify the advisory XOR checksum on command frames")
)

func main() {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *clientDev == "" || *hostDev == "" {
		return fmt.Errorf("-client and -host are required")
	}

	cfg := relay.DefaultRelayConfig()
	cfg.ClientPort = *clientDev
	cfg.HostPort = *hostDev
	cfg.BaudRate = *baud
	cfg.BufferCapacity = *bufCap
	cfg.LatencyWindowSize = *latencyWindow
	cfg.LatencyThresholdNS = *latencyThreshNS
	cfg.MetricTickMs = *metricTickMs
	cfg.AutoRestart = *autoRestart
	cfg.VerifyChecksum = *verifyChecksum

	coordinator, err := relay.New(cfg)
	if err != nil {
		return err
	}
	coordinator.SetErrorHandler(func(err *relayevent.RelayError) {
		log.Printf("relayctl: fatal: %v", err)
	})

	events, unsubscribe := coordinator.Subscribe()
	defer unsubscribe()
	go logEvents(events)

	if err := coordinator.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Printf("relayctl: relaying %s <-> %s at %d baud", *clientDev, *hostDev, *baud)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("relayctl: stopping")
	coordinator.Stop()
	return nil
}

func logEvents(events <-chan relayevent.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case relayevent.Snapshot:
			log.Printf("snapshot seq=%d frames=%d rx=%d tx=%d latency_mean_ns=%.0f p99_ns=%.0f",
				e.Seq, e.TotalFrames, e.TotalBytesRx, e.TotalBytesTx, e.Latency.MeanNS, e.Latency.P99NS)
		case relayevent.HighLatency:
			log.Printf("high latency: %d ns on %s", e.SampleNS, e.Direction)
		case relayevent.FramingError:
			log.Printf("framing error: %s on %s", e.Kind, e.Direction)
		case relayevent.PortUnavailable:
			log.Printf("port unavailable: %s", e.Direction)
		case relayevent.Restarted:
			log.Printf("relay restarted: %s", e.Reason)
		}
	}
}

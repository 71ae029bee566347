// Command echoserver accepts reliable-datagram peers and echoes every
// payload back to its sender.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kasader/reludp/reludp"
)

type options struct {
	Listen  string `short:"l" long:"listen" default:"127.0.0.1:7777" description:"UDP address to listen on"`
	Metrics string `long:"metrics" description:"optional HTTP address serving Prometheus metrics"`
	Verbose bool   `short:"v" long:"verbose" description:"enable debug logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg := zap.NewProductionConfig()
	if opts.Verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	var metrics *reludp.Metrics
	if opts.Metrics != "" {
		registry := prometheus.NewRegistry()
		metrics = reludp.NewMetrics(registry)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(opts.Metrics, mux); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	host, err := reludp.NewHost(opts.Listen, reludp.WithHostLogger(log))
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}
	defer host.Close()
	log.Info("echo server listening", zap.String("addr", host.LocalAddr().String()))

	channels := make(map[*reludp.UDPConnection]*reludp.Channel)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for {
			conn, ok := host.Accept()
			if !ok {
				break
			}
			channels[conn] = reludp.NewChannel(conn,
				reludp.WithChannelLogger(log),
				reludp.WithChannelMetrics(metrics))
			log.Info("peer connected",
				zap.Int16("id", conn.ID()),
				zap.String("remote", conn.RemoteAddr().String()))
		}

		for conn, ch := range channels {
			for {
				payload, ok := ch.Receive()
				if !ok {
					break
				}
				if err := ch.Send(payload); err != nil {
					log.Warn("echo failed", zap.Error(err))
				}
			}
			if status := ch.Status(); status != reludp.StatusOpen {
				log.Info("peer gone",
					zap.Int16("id", conn.ID()),
					zap.Stringer("status", status))
				host.Terminate(conn)
				delete(channels, conn)
			}
		}
	}
}

// Command echoclient sends tagged payloads to an echo server and reports
// acknowledgements and the smoothed round-trip latency.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/kasader/reludp/reludp"
)

type options struct {
	Server   string        `short:"s" long:"server" default:"127.0.0.1:7777" description:"echo server address"`
	Count    int           `short:"n" long:"count" default:"10" description:"number of payloads to send"`
	Interval time.Duration `short:"i" long:"interval" default:"100ms" description:"delay between payloads"`
	Verbose  bool          `short:"v" long:"verbose" description:"enable debug logging"`
}

type ackPrinter struct {
	log *zap.Logger
}

func (p *ackPrinter) PacketAcked(tag int) {
	p.log.Info("acknowledged", zap.Int("tag", tag))
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

	host, err := reludp.NewHost("127.0.0.1:0", reludp.WithHostLogger(log))
	if err != nil {
		log.Fatal("bind failed", zap.Error(err))
	}
	defer host.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := host.Dial(ctx, opts.Server)
	if err != nil {
		log.Fatal("dial failed", zap.Error(err))
	}

	ch := reludp.NewChannel(conn, reludp.WithChannelLogger(log))
	printer := &ackPrinter{log: log}
	ch.AddAckListener(printer)
	defer ch.RemoveAckListener(printer)

	for i := 0; i < opts.Count; i++ {
		payload := fmt.Sprintf("ping %d", i)
		if err := ch.SendTagged([]byte(payload), i); err != nil {
			log.Fatal("send failed", zap.Error(err))
		}

		deadline := time.Now().Add(opts.Interval)
		for time.Now().Before(deadline) {
			if echoed, ok := ch.Receive(); ok {
				log.Info("echoed", zap.ByteString("payload", echoed))
			}
			time.Sleep(time.Millisecond)
		}
	}

	log.Info("done",
		zap.Duration("latency", ch.Latency()),
		zap.Duration("sinceLastReceive", ch.TimeSinceLastReceive()))
}

package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"castreceiver/config"
	"castreceiver/internal/decoder"
	"castreceiver/internal/receiver"
)

type serveOptions struct {
	castAddr      string
	discoveryAddr string
	httpAddr      string
	rtmpAddr      string
	name          string
	decoder       string
	record        bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the receiver until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			opts.apply(cmd, cfg)
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.castAddr, "cast-addr", "", "TCP address for cast sessions (env CAST_ADDR, default :8888)")
	flags.StringVar(&opts.discoveryAddr, "discovery-addr", "", "UDP address for discovery (env DISCOVERY_ADDR, default :8889)")
	flags.StringVar(&opts.httpAddr, "http-addr", "", "status API address, \"off\" disables it (env HTTP_ADDR, default :8080)")
	flags.StringVar(&opts.rtmpAddr, "rtmp-addr", "", "RTMP ingest address, disabled when empty (env RTMP_ADDR)")
	flags.StringVar(&opts.name, "name", "", "device name announced to senders (env DEVICE_NAME, default host name)")
	flags.StringVar(&opts.decoder, "decoder", "", "player command fed the stream on stdin, \"-\" for stdout, \"none\" to discard (env DECODER_COMMAND)")
	flags.BoolVar(&opts.record, "record", false, "record sessions to storage (env RECORD_ENABLED)")

	return cmd
}

// apply overrides cfg with the flags set on the command line
func (o serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("cast-addr") {
		cfg.CastAddr = o.castAddr
	}
	if flags.Changed("discovery-addr") {
		cfg.DiscoveryAddr = o.discoveryAddr
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr = o.httpAddr
		if o.httpAddr == "off" {
			cfg.HTTPAddr = ""
		}
	}
	if flags.Changed("rtmp-addr") {
		cfg.RTMPAddr = o.rtmpAddr
	}
	if flags.Changed("name") {
		cfg.DeviceName = o.name
	}
	if flags.Changed("decoder") {
		cfg.DecoderCommand = o.decoder
		if o.decoder == "none" {
			cfg.DecoderCommand = ""
		}
	}
	if flags.Changed("record") {
		cfg.RecordEnabled = o.record
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	// stdout may carry the video stream
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("Starting castreceiver...")
	log.Printf("Device name: %s", cfg.DeviceName)
	log.Printf("Cast server: %s, discovery: %s", cfg.CastAddr, cfg.DiscoveryAddr)
	if cfg.HTTPAddr != "" {
		log.Printf("HTTP Server: %s", cfg.HTTPAddr)
	}
	if cfg.RTMPAddr != "" {
		log.Printf("RTMP Server: %s", cfg.RTMPAddr)
	}

	rcv, err := receiver.New(ctx, cfg, receiver.Options{
		Stdout:  os.Stdout,
		Surface: decoder.NamedSurface(cfg.DeviceName),
	})
	if err != nil {
		return err
	}
	if err := rcv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Println("Shutting down...")
	rcv.Stop()
	return nil
}

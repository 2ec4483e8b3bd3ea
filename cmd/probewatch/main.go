package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	probewatchcmd "github.com/louisbranch/probewatch/internal/cmd/probewatch"
	entrypoint "github.com/louisbranch/probewatch/internal/platform/cmd"
	"github.com/louisbranch/probewatch/internal/platform/config"
)

func main() {
	cfg, err := probewatchcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix(entrypoint.LogPrefix(entrypoint.ServiceProbewatch))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err = probewatchcmd.Run(ctx, cfg)
	stop()
	if err != nil {
		config.ExitErr("probewatch", err)
	}
}

/*
Strata process.
Runs one participant of a broadcast group until interrupted.

	strata --id 1 --hosts hosts.txt --output 1.output --config config.txt [--order fifo|causal] [--status 127.0.0.1:8080]

On SIGINT or SIGTERM the process stops its stack, flushes its output log, and exits.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/hosts"
	"github.com/rflandau/strata/strata/link"
	"github.com/rflandau/strata/strata/output"
	"github.com/rflandau/strata/strata/process"
	"github.com/rs/zerolog"
)

func main() {
	var (
		id         = flag.Uint64("id", 0, "id of this process, as listed in the hosts file")
		hostsPath  = flag.String("hosts", "", "path to the hosts file")
		outputPath = flag.String("output", "", "path to write the event log to")
		configPath = flag.String("config", "", "path to the run config")
		ordering   = flag.String("order", string(process.FIFO), "ordering variant [fifo, causal]")
		statusAddr = flag.String("status", "", "serve GET /status on this address (disabled if empty)")
		logLevel   = flag.String("log-level", "warn", "logging verbosity [trace, debug, info, warn, error, disabled]")
		resend     = flag.Duration("resend", link.DefaultResendInterval, "interval between retransmissions of unacknowledged packets")
	)
	flag.Parse()

	if *id == 0 || *hostsPath == "" || *outputPath == "" || *configPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := strata.DefaultLogger(*id).Level(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hm, err := hosts.Load(ctx, *hostsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load hosts")
	}
	cfg, err := hosts.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	out, err := output.Create(*outputPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create output file")
	}

	p, err := process.New(*id, hm, cfg, out,
		process.WithLogger(&log),
		process.WithOrdering(process.Ordering(*ordering)),
		process.WithResendInterval(*resend),
		process.WithStatusAddr(*statusAddr))
	if err != nil {
		out.Close()
		log.Fatal().Err(err).Msg("failed to build process")
	}
	if err := p.Start(ctx); err != nil {
		out.Close()
		log.Fatal().Err(err).Msg("failed to start process")
	}
	fmt.Println("Send a SIGINT to kill the program")

	// a fatal layer error ends the run as surely as a signal does
	waitErr := make(chan error, 1)
	go func() { waitErr <- p.Wait() }()
	select {
	case <-ctx.Done():
		fmt.Println("Signal captured. Cleaning up....")
	case err := <-waitErr:
		log.Error().Err(err).Msg("stack exited")
	}

	if err := p.Stop(); err != nil {
		log.Error().Err(err).Msg("unclean shutdown")
		os.Exit(1)
	}
}

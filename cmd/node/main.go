// Command node runs a single cvmnode: execute-then-consensus transaction
// pipeline, contract container lifecycle, and (optionally) the REST and
// admin HTTP ingresses.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cvm-network/cvmnode/internal/config"
	"github.com/cvm-network/cvmnode/internal/node"
)

// Exit codes per the documented operator contract: 0 is a clean shutdown,
// 1 a configuration or boot failure, 2 a listener port conflict.
const (
	exitOK          = 0
	exitConfigError = 1
	exitPortInUse   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to the node's TOML configuration file")
	withRestAPI := flag.Bool("with-rest-api", false, "serve the REST and admin HTTP ingresses on this node")
	logLevel := flag.String("log-level", "", "override the config file's node.log_level")
	flag.Parse()

	log.SetFlags(0)
	log.SetPrefix("[node] ")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("failed to load config %s: %v", *configPath, err)
		return exitConfigError
	}
	if *logLevel != "" {
		cfg.Node.LogLevel = *logLevel
	}

	n, err := node.New(*cfg, *withRestAPI, os.Stderr)
	if err != nil {
		log.Printf("failed to build node: %v", err)
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		n.Logger().WithError(err).Error("node failed to start")
		if isAddrInUse(err) {
			return exitPortInUse
		}
		return exitConfigError
	}
	n.Logger().Info("node started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	n.Logger().Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := n.Stop(shutdownCtx); err != nil {
		n.Logger().WithError(err).Error("node shutdown reported errors")
	}
	n.Logger().Info("node stopped")
	return exitOK
}

func isAddrInUse(err error) bool {
	return err != nil && strings.Contains(err.Error(), "address already in use")
}

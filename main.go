package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	nexus "github.com/putto11262002/nexus/app"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "path to a yaml config file, defaults to ./config.yaml when present")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer cancel()

	config, err := nexus.LoadConfig(*configFile)
	if err != nil {
		failed(1, "failed to load config: %v\n", err)
	}

	logger := nexus.NewLogger(os.Stdout, config.LogLevel)

	app, err := nexus.New(ctx, config, logger)
	if err != nil {
		failed(1, "failed to start: %v\n", err)
	}

	if err := app.Run(ctx); err != nil {
		failed(1, "app exit: %v\n", err)
	}
}

func failed(code int, s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(code)
}

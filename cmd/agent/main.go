package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"authwatch/internal/agent"
	"authwatch/internal/config"
	"authwatch/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	a, err := agent.New(cfg, util.Get())
	if err != nil {
		util.Fatal("Failed to initialize agent", util.ErrorField(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
		cancel()
	}()

	util.Info("Starting agent", util.String("summary", a.Describe()))

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		util.Fatal("Agent exited with error", util.ErrorField(err))
	}
	util.Info("Agent stopped")
}

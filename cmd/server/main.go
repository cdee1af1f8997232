package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huxley-im/huxley/internal/server"
	"github.com/huxley-im/huxley/internal/server/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	app, err := server.NewApp(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer app.Stop()

	switch {
	case cfg.DurationSeconds > 0:
		fmt.Printf("Server running on port %d for %d seconds.\n", cfg.Port, cfg.DurationSeconds)
		time.Sleep(time.Duration(cfg.DurationSeconds) * time.Second)
	case cfg.NoBlock:
		fmt.Printf("Server running on port %d. Send SIGINT (Ctrl+C) to stop.\n", cfg.Port)
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
		<-sigs
	default:
		fmt.Printf("Server running on port %d. Press Enter to stop.\n", cfg.Port)
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	}

	return 0
}

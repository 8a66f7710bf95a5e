package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"postbot/internal/app"
	"postbot/internal/config"
	logx "postbot/pkg/logx"
	"postbot/pkg/systemd"
)

func main() {
	var (
		cfgPath string
		envFile string
	)
	flag.StringVar(&cfgPath, "config", "", "path to config yaml/json (default $POSTBOT_CONFIG or ./config.yaml)")
	flag.StringVar(&envFile, "env", ".env", "optional dotenv file with credentials")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Println("fatal: loading", envFile+":", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx := context.Background()
	secrets, err := config.LoadSecrets(ctx)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if cfgPath == "" {
		cfgPath = secrets.ConfigPath
	}

	a, err := app.New(ctx, cfgPath, secrets)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	_, _ = systemd.Ready()
	wdCtx, stopWatchdog := context.WithCancel(ctx)
	go systemd.Watchdog(wdCtx, logx.NewConsole("INFO").With(logx.String("comp", "systemd")))

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		if err := a.Err(); err != nil {
			fmt.Println("fatal:", err)
		}
	}
	stopWatchdog()
	_, _ = systemd.Stopping()

	stopCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Println("stop:", err)
	}
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}

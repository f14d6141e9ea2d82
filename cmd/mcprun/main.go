package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/mcprun/internal/config"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
	"github.com/gaspardpetit/mcprun/internal/metrics"
	"github.com/gaspardpetit/mcprun/internal/runner"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	check := flag.Bool("check", false, "probe the upstream once, print a JSON report and exit")
	var cfg config.Config
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcprun version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
		logx.Configure(cfg.LogLevel, cfg.LogFormat)
	}
	// mcprun [flags] -- command args...
	if args := flag.Args(); len(args) > 0 && cfg.Stdio.Command == "" && cfg.HTTP.URL == "" {
		cfg.Stdio.Command = args[0]
		cfg.Stdio.Args = args[1:]
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)
	opts := runner.Options{Version: version, Gatherer: reg}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *check {
		rep, err := runner.Check(ctx, cfg, opts)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		if err != nil {
			os.Exit(1)
		}
		return
	}

	if err := runner.Run(ctx, cfg, os.Stdin, os.Stdout, opts); err != nil {
		var te *mcperr.TransportError
		if errors.As(err, &te) && te.ExitCode > 0 {
			logx.Log.Error().Err(err).Int("exit_code", te.ExitCode).Msg("upstream exited")
			os.Exit(te.ExitCode)
		}
		logx.Log.Error().Err(err).Msg("session failed")
		os.Exit(1)
	}
}

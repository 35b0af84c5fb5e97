// Command maco-terminal runs a workshop terminal with a simulated NFC
// reader and machine relay.
//
// The terminal connects to the authority backend, watches the simulated
// RF field, authenticates presented tags, and switches the simulated
// machine relay. Tags are presented through the interactive shell.
//
// Usage:
//
//	maco-terminal -config terminal.yaml [flags]
//
// Flags:
//
//	-config string      Configuration file path (required)
//	-tag-master string  Hex master secret for simulated tag keys
//	-log-level string   Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Connect to a discovered authority, present correctly keyed tags
//	maco-terminal -config terminal.yaml -tag-master 00112233445566778899aabbccddeeff
//
//	# Debug the handshake choreography
//	maco-terminal -config terminal.yaml -log-level debug
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub005/cmd/maco-terminal/interactive"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/broker"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/config"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/discovery"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/dna"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/history"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/machine"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/session"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/terminal"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/transport"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/version"
)

const discoverTimeout = 5 * time.Second

var (
	configPath string
	tagMaster  string
	logLevel   string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Configuration file path (required)")
	flag.StringVar(&tagMaster, "tag-master", "", "Hex master secret for simulated tag keys")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "missing -config")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "maco-terminal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadTerminal(configPath)
	if err != nil {
		return err
	}

	var master []byte
	if tagMaster != "" {
		master, err = hex.DecodeString(tagMaster)
		if err != nil || len(master) != dna.KeySize {
			return fmt.Errorf("tag-master must be %d hex-encoded bytes", dna.KeySize)
		}
	}

	shell, err := interactive.New()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(shell.Stdout(), &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resolve the authority, via mDNS when no address is configured.
	address := cfg.Authority.Address
	if address == "" {
		logger.Info("discovering authority", "system_name", cfg.SystemName)
		findCtx, findCancel := context.WithTimeout(ctx, discoverTimeout)
		svc, err := discovery.Find(findCtx, cfg.SystemName)
		findCancel()
		if err != nil {
			return fmt.Errorf("authority discovery: %w", err)
		}
		address, err = svc.Addr()
		if err != nil {
			return fmt.Errorf("authority discovery: %w", err)
		}
		logger.Info("authority discovered",
			"instance", svc.InstanceName,
			"address", address,
			"version", svc.Version)
		checkVersion(logger, svc.Version)
	}

	conn, err := transport.Dial(ctx, address, []byte(cfg.Authority.Secret))
	if err != nil {
		return fmt.Errorf("connect to authority: %w", err)
	}
	defer conn.Close()
	logger.Info("connected", "address", conn.RemoteAddr())

	b := broker.New(conn, logger)
	go conn.ReceiveLoop(ctx, b)

	store, err := history.Open(cfg.HistoryPath, cfg.Machine.ID)
	if err != nil {
		return fmt.Errorf("open usage history: %w", err)
	}
	defer store.Close()

	field := interactive.NewField()
	relay := interactive.NewPowerRelay(shell.Stdout())

	m := machine.New(machine.Config{
		ID:                  cfg.Machine.ID,
		RequiredPermissions: cfg.Machine.RequiredPermissions,
		UsageTimeout:        cfg.Machine.UsageTimeout,
	}, relay, store, logger)

	uploader := history.NewUploader(cfg.Machine.ID, store, b, cfg.RequestTimeout, logger)

	term := terminal.New(terminal.Config{
		TerminalID:     cfg.TerminalID,
		KeySlot:        cfg.KeySlot,
		RequestTimeout: cfg.RequestTimeout,
	}, b, field, session.NewRegistry(), m, uploader, logger)

	go func() {
		_ = term.Run(ctx, terminal.DefaultTickInterval)
	}()

	shell.Run(ctx, cancel, &interactive.Deps{
		Terminal:   term,
		Field:      field,
		Relay:      relay,
		Store:      store,
		SystemName: cfg.SystemName,
		KeySlot:    cfg.KeySlot,
		TagMaster:  master,
	})
	return nil
}

// checkVersion warns when the discovered authority speaks an
// incompatible protocol major version.
func checkVersion(logger *slog.Logger, announced string) {
	remote, err := version.Parse(announced)
	if err != nil {
		logger.Warn("authority announced unparsable version", "version", announced)
		return
	}
	local, _ := version.Parse(version.Current)
	if !local.Compatible(remote) {
		logger.Warn("authority protocol version is incompatible",
			"local", version.Current, "remote", announced)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

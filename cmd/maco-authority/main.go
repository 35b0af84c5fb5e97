// Command maco-authority runs the tag authority backend.
//
// The daemon owns the member database, performs the cloud half of the
// tag authentication handshake, issues sessions, and archives uploaded
// usage records. Terminals connect over the pre-shared-key tunnel,
// found either by configured address or mDNS.
//
// Usage:
//
//	maco-authority -config authority.yaml
//	maco-authority register-tag -config authority.yaml -uid <hex> -user <id> [-label <name>] [-permissions a,b]
//	maco-authority block-tag -config authority.yaml -uid <hex>
//	maco-authority unblock-tag -config authority.yaml -uid <hex>
//
// Examples:
//
//	# Run the daemon with mDNS announcement
//	maco-authority -config authority.yaml
//
//	# Register a member tag with two machine permissions
//	maco-authority register-tag -config authority.yaml \
//	    -uid 04782E21801D80 -user member-7 -label "Mia" \
//	    -permissions lasercutter,tablesaw
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/authority"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/config"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/discovery"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/transport"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/version"
)

// pendingSweepInterval bounds how long abandoned handshakes linger.
const pendingSweepInterval = 10 * time.Second

func main() {
	args := os.Args[1:]
	var err error

	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		err = runAdmin(args[0], args[1:])
	} else {
		err = runServe(args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "maco-authority: %v\n", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("maco-authority", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file path (required)")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(*logLevel),
	}))

	store, err := authority.OpenStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	master, err := cfg.MasterKey()
	if err != nil {
		return err
	}
	service, err := authority.NewService(store, authority.Config{
		MasterSecret: master,
		SystemName:   cfg.SystemName,
	}, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	logger.Info("authority listening",
		"system_name", cfg.SystemName,
		"address", ln.Addr().String(),
		"version", version.Current)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Advertise {
		advertiser := &discovery.Advertiser{}
		err := advertiser.Advertise(&discovery.AuthorityInfo{
			SystemName: cfg.SystemName,
			Port:       uint16(ln.Addr().(*net.TCPAddr).Port),
			Version:    version.Current,
		})
		if err != nil {
			return fmt.Errorf("mdns announcement: %w", err)
		}
		defer advertiser.Stop()
		logger.Info("announced via mdns", "service", discovery.ServiceType)
	}

	server := transport.NewServer([]byte(cfg.Secret), service, logger)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, ln)
	}()

	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case err := <-serveErr:
			return err
		case now := <-ticker.C:
			service.Tick(now)
		}
	}
}

// runAdmin dispatches the tag management subcommands, which operate on
// the database directly.
func runAdmin(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file path (required)")
	uidHex := fs.String("uid", "", "Tag UID, 7 hex-encoded bytes (required)")
	userID := fs.String("user", "", "Member user id")
	userLabel := fs.String("label", "", "Member display name")
	permissions := fs.String("permissions", "", "Comma-separated machine permissions")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	uid, err := parseUid(*uidHex)
	if err != nil {
		return err
	}

	store, err := authority.OpenStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	switch command {
	case "register-tag":
		if *userID == "" {
			return fmt.Errorf("register-tag requires -user")
		}
		var perms []string
		if *permissions != "" {
			perms = strings.Split(*permissions, ",")
		}
		err := store.RegisterTag(ctx, &authority.TagRecord{
			Uid:         uid,
			UserID:      *userID,
			UserLabel:   *userLabel,
			Permissions: perms,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Tag %s registered for %s\n", uid, *userID)
		return nil

	case "block-tag":
		if err := store.SetTagBlocked(ctx, uid, true); err != nil {
			return err
		}
		fmt.Printf("Tag %s blocked\n", uid)
		return nil

	case "unblock-tag":
		if err := store.SetTagBlocked(ctx, uid, false); err != nil {
			return err
		}
		fmt.Printf("Tag %s unblocked\n", uid)
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func loadConfig(path string) (*config.Authority, error) {
	if path == "" {
		return nil, fmt.Errorf("missing -config")
	}
	return config.LoadAuthority(path)
}

func parseUid(s string) (nfc.TagUid, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nfc.TagUid{}, fmt.Errorf("invalid -uid: %w", err)
	}
	return nfc.ParseTagUid(raw)
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

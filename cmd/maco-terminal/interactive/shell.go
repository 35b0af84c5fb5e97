// Package interactive provides the interactive command shell of the
// terminal simulator.
package interactive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/dna"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/history"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/machine"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc/nfctest"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/terminal"
)

// Deps are the wired components the shell operates on.
type Deps struct {
	Terminal *terminal.Terminal
	Field    *Field
	Relay    *PowerRelay
	Store    *history.Store

	// SystemName and KeySlot provision simulated tags the same way the
	// physical fleet is provisioned.
	SystemName string
	KeySlot    uint8

	// TagMaster is the key diversification master secret for simulated
	// tags, nil when not configured. Without it, presented tags carry a
	// random key and fail authentication.
	TagMaster []byte
}

// Shell is the readline command loop.
type Shell struct {
	rl *readline.Instance
}

// New creates the shell. Call Stdout early so log output coordinates
// with the prompt.
func New() (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "terminal> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{rl: rl}, nil
}

// Stdout returns a writer that coordinates with the readline prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc, deps *Deps) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "tag", "t":
			s.cmdTag(deps, args)

		case "remove", "rm":
			deps.Field.Present(nil)
			fmt.Fprintln(s.rl.Stdout(), "Tag removed from field")

		case "checkout", "co":
			deps.Terminal.RequestCheckout()
			fmt.Fprintln(s.rl.Stdout(), "Checkout requested")

		case "status", "st":
			s.cmdStatus(deps)

		case "pending":
			s.cmdPending(deps)

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
Terminal Simulator Commands:
  Tag Simulation:
    tag <uid-hex> [delays]  - Present a simulated tag (14 hex digits,
                              optional rate-limited attempt count)
    remove                  - Remove the tag from the field

  Machine:
    checkout                - Check the current user out (UI button)
    status                  - Show machine and handshake status
    pending                 - Show usage records awaiting upload

  General:
    help                    - Show this help
    quit                    - Exit simulator

  Example:
    tag 04782E21801D80`)
}

// cmdTag presents a simulated tag.
func (s *Shell) cmdTag(deps *Deps, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: tag <uid-hex> [delays]")
		return
	}

	raw, err := hex.DecodeString(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid UID: %v\n", err)
		return
	}
	uid, err := nfc.ParseTagUid(raw)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid UID: %v\n", err)
		return
	}

	key := make([]byte, dna.KeySize)
	if deps.TagMaster != nil {
		key, err = nfctest.DeriveKey(deps.TagMaster, deps.SystemName, uid, dna.KeyIDAuthorization)
		if err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Key derivation failed: %v\n", err)
			return
		}
	} else {
		fmt.Fprintln(s.rl.Stdout(), "No tag master secret configured, tag will fail authentication")
	}

	tag, err := nfctest.NewTag(uid, deps.KeySlot, key)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to create tag: %v\n", err)
		return
	}

	if len(args) >= 2 {
		delays, err := strconv.Atoi(args[1])
		if err != nil || delays < 0 {
			fmt.Fprintf(s.rl.Stdout(), "Invalid delay count: %s\n", args[1])
			return
		}
		tag.SetRateLimited(delays)
	}

	deps.Field.Present(tag)
	fmt.Fprintf(s.rl.Stdout(), "Tag %s presented\n", uid)
}

// cmdStatus shows the terminal status snapshot.
func (s *Shell) cmdStatus(deps *Deps) {
	status := deps.Terminal.Status()

	fmt.Fprintln(s.rl.Stdout(), "\nTerminal Status")
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")

	switch m := status.Machine.(type) {
	case machine.Active:
		fmt.Fprintf(s.rl.Stdout(), "  Machine:    ACTIVE (user %s since %s)\n",
			m.Session.UserLabel(), m.CheckInTime.Format("15:04:05"))
	case machine.Denied:
		fmt.Fprintf(s.rl.Stdout(), "  Machine:    DENIED (%s)\n", m.Message)
	default:
		fmt.Fprintln(s.rl.Stdout(), "  Machine:    idle")
	}

	if status.Handshake != nil {
		fmt.Fprintf(s.rl.Stdout(), "  Handshake:  %T\n", status.Handshake)
	}
	if status.Message != "" {
		fmt.Fprintf(s.rl.Stdout(), "  Message:    %s\n", status.Message)
	}

	position := "off"
	if deps.Relay.Enabled() {
		position = "ON"
	}
	fmt.Fprintf(s.rl.Stdout(), "  Relay:      %s\n", position)

	if uid, present := deps.Field.Tag(); present {
		fmt.Fprintf(s.rl.Stdout(), "  Field:      tag %s\n", uid)
	} else {
		fmt.Fprintln(s.rl.Stdout(), "  Field:      empty")
	}
	fmt.Fprintln(s.rl.Stdout())
}

// cmdPending lists usage records awaiting upload.
func (s *Shell) cmdPending(deps *Deps) {
	records, err := deps.Store.Pending()
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to read history: %v\n", err)
		return
	}
	if len(records) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No usage records awaiting upload")
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "\nPending Usage Records (%d):\n", len(records))
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	for _, rec := range records {
		fmt.Fprintf(s.rl.Stdout(), "  %s  in=%d out=%d reason=%s\n",
			rec.SessionID, rec.CheckInUnixSeconds, rec.CheckOutUnixSeconds, rec.Reason)
	}
	fmt.Fprintln(s.rl.Stdout())
}

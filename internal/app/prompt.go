package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/meshrelay/internal/config"
)

// PromptInteractive walks through the settings a new device needs and
// returns the updated config. Invalid answers fall back to cfg unchanged.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	orig := cfg

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "meshrelay interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	host := askBool(in, w, "Host a relay on this machine", false)
	if host {
		cfg.Relay.Bind = askString(in, w, "Relay bind address", cfg.Relay.Bind)
		cfg.Relay.Port = askInt(in, w, "Relay port", cfg.Relay.Port)
		cfg.Relay.AdminPassword = askString(in, w, "Admin password (empty=off)", cfg.Relay.AdminPassword)
		cfg.Relay.JournalPath = askString(in, w, "Presence journal file (empty=off)", cfg.Relay.JournalPath)
		cfg.Agent.RelayURL = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Relay.Port)
	}

	cfg.Agent.UserID = askString(in, w, "User id (shared by all your devices)", cfg.Agent.UserID)
	cfg.Agent.RelayURL = askString(in, w, "Relay URL", cfg.Agent.RelayURL)
	cfg.Agent.DeviceType = askString(in, w, "Device type (desktop/mobile/web)", cfg.Agent.DeviceType)
	cfg.Agent.ClipboardWatch = askBool(in, w, "Sync clipboard", cfg.Agent.ClipboardWatch)
	cfg.Agent.OpenURLs = askBool(in, w, "Open links sent from other devices", cfg.Agent.OpenURLs)
	cfg.Agent.DropDir = askString(in, w, "Drop folder for outgoing files (empty=off)", cfg.Agent.DropDir)
	cfg.Agent.InboxDir = askString(in, w, "Inbox folder for incoming files", cfg.Agent.InboxDir)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	if err := cfg.ValidateAgent(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}

package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/fieldlink/internal/config"
)

// PromptInteractive walks through the settings a new device needs, starting
// from cfg. Answers are read from in and prompts written to out; an empty
// answer keeps the value shown in brackets.
func PromptInteractive(in io.Reader, out io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	r := bufio.NewReader(in)

	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out, "fieldlink interactive setup")
	fmt.Fprintf(out, " Device folder : %s\n", peerDir)
	fmt.Fprintf(out, " Config file   : %s\n", cfgPath)
	fmt.Fprintln(out, "────────────────────────────────────────")
	fmt.Fprintln(out)

	cfg.Identity.DeviceID = askValid(r, out, "Device id", cfg.Identity.DeviceID, config.ValidateIdentity)
	cfg.Broker.URI = askValid(r, out, "Broker (tcp://host:port or ssl://host:port)", cfg.Broker.URI, func(s string) error {
		_, err := config.ParseEndpoint(s)
		return err
	})
	cfg.Broker.Username = askString(r, out, "Broker username (empty=none)", cfg.Broker.Username)
	if cfg.Broker.Username != "" {
		cfg.Broker.Password = askString(r, out, "Broker password", cfg.Broker.Password)
	}

	cfg.Servers.AttachmentURL = askString(r, out, "Attachment server URL", cfg.Servers.AttachmentURL)
	cfg.Servers.TileURL = askString(r, out, "Map tile URL", cfg.Servers.TileURL)
	cfg.Servers.TelephonyHost = askString(r, out, "Telephony server IPv4", cfg.Servers.TelephonyHost)

	cfg.Presence.ReportIntervalSec = askInt(r, out, "Location report interval seconds", cfg.Presence.ReportIntervalSec)
	cfg.Viewer.HTTPAddr = askString(r, out, "Local API addr (empty=off)", cfg.Viewer.HTTPAddr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, out io.Writer, label, def string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

// askValid repeats the question until check accepts the answer. Input
// running out returns def.
func askValid(in *bufio.Reader, out io.Writer, label, def string, check func(string) error) string {
	for {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			if err != nil {
				return def
			}
			s = def
		}
		verr := check(s)
		if verr == nil {
			return s
		}
		fmt.Fprintf(out, "%v\n", verr)
		if err != nil {
			return def
		}
	}
}

func askInt(in *bufio.Reader, out io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(out, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
		fmt.Fprintln(out, "Please enter a positive number.")
		if err != nil {
			return def
		}
	}
}

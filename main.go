package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/fieldlink/internal/app"
	"github.com/petervdpas/fieldlink/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configName = "fieldlink.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("fieldlink v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: fieldlink %s <device-directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "peer":
		runCLIPeer(args[1])
	case "init":
		runCLIInit(args[1])
	case "check":
		runCLICheck(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// deviceDir resolves dir and returns it with the config path inside it.
func deviceDir(dirArg string, mustExist bool) (string, string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid device directory: %v", err)
	}
	if mustExist {
		if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
			log.Fatalf("Device directory does not exist: %s", absDir)
		}
	}
	return absDir, filepath.Join(absDir, configName)
}

func runCLIPeer(dirArg string) {
	absDir, cfgPath := deviceDir(dirArg, true)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Device failed: %v", err)
	}
}

func runCLIInit(dirArg string) {
	absDir, cfgPath := deviceDir(dirArg, false)
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create device directory: %v", err)
	}

	cfg := config.Default()
	if existing, err := config.LoadPartial(cfgPath); err == nil {
		cfg = existing
	}

	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func runCLICheck(dirArg string) {
	_, cfgPath := deviceDir(dirArg, true)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cfgPath, err)
		os.Exit(1)
	}
	ep, _ := cfg.Broker.Endpoint()
	fmt.Printf("%s: ok (device %s, broker %s)\n", cfgPath, cfg.Identity.DeviceID, ep)
}

func showUsage() {
	fmt.Println("fieldlink - field device messaging over MQTT")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  fieldlink peer <directory>    Run a device")
	fmt.Println("  fieldlink init <directory>    Create or edit a device config interactively")
	fmt.Println("  fieldlink check <directory>   Validate a device config")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run the device whose state lives in the directory.")
	fmt.Printf("        A default %s is written if none exists.\n", configName)
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Ask for device id, broker and servers, then save the config.")
	fmt.Println()
	fmt.Println("  check <directory>")
	fmt.Println("        Load and validate the config without connecting.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  fieldlink init ./devices/rover1")
	fmt.Println("  fieldlink peer ./devices/rover1")
}

func printPeerBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    fieldlink device                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Device Directory: %s\n", dir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Device ID:        %s\n", cfg.Identity.DeviceID)
	fmt.Printf("Broker:           %s\n", cfg.Broker.URI)
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Local API:        %s/api/state\n", url)
		fmt.Println()
	}

	fmt.Println("Starting device... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}

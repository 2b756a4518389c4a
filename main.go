// main.go
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

	"github.com/petervdpas/meshrelay/internal/app"
	"github.com/petervdpas/meshrelay/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("meshrelay v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command, dir := args[0], args[1]

	switch command {
	case "relay":
		runCLI(dir, "Relay", app.RunRelay)
	case "agent":
		runCLI(dir, "Agent", app.RunAgent)
	case "init":
		runInit(dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}
	return absDir
}

func runCLI(dirArg, role string, run func(context.Context, app.Options) error) {
	absDir := peerDir(dirArg)

	cfgPath := app.ConfigPath(absDir)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("%s failed: %v", role, err)
	}
}

func runInit(dirArg string) {
	if err := os.MkdirAll(dirArg, 0o755); err != nil {
		log.Fatalf("Cannot create peer directory: %v", err)
	}
	absDir := peerDir(dirArg)
	cfgPath := app.ConfigPath(absDir)

	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("meshrelay - presence and signaling relay for your own devices")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  meshrelay init <directory>    Interactive setup of a peer directory")
	fmt.Println("  meshrelay relay <directory>   Host the relay")
	fmt.Println("  meshrelay agent <directory>   Join the mesh as a desktop agent")
	fmt.Println()
	fmt.Println("The directory holds meshrelay.json; a default one is created if missing.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  meshrelay init ./peers/laptop")
	fmt.Println("  meshrelay relay ./peers/server")
	fmt.Println("  meshrelay agent ./peers/laptop")
}

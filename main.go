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

	"github.com/eduline/callkit/internal/app"
	"github.com/eduline/callkit/internal/config"
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
		fmt.Printf("Callkit v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "agent":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: agent command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: callkit agent <agent-directory>")
			os.Exit(1)
		}
		runAgent(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: callkit init <agent-directory>")
			os.Exit(1)
		}
		initAgent(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runAgent(dirArg string) {
	absDir, cfgPath := resolveAgentDir(dirArg)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutdown signal received")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		AgentDir: absDir,
		CfgPath:  cfgPath,
		Cfg:      cfg,
	}); err != nil {
		log.Fatalf("Agent failed: %v", err)
	}
}

func initAgent(dirArg string) {
	absDir, cfgPath := resolveAgentDir(dirArg)

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Failed to create agent directory: %v", err)
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	if created {
		fmt.Printf("Created %s (user id %s)\n", cfgPath, cfg.Identity.UserID)
		fmt.Println("Add conversations to the config, then run: callkit agent", dirArg)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}
}

func resolveAgentDir(dirArg string) (absDir, cfgPath string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid agent directory: %v", err)
	}
	return absDir, filepath.Join(absDir, "callkit.json")
}

func showUsage() {
	fmt.Println("Callkit - 1:1 audio/video call agent")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callkit init <agent-directory>    Create a default config")
	fmt.Println("  callkit agent <agent-directory>   Run the call agent")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -h         Show help")
	fmt.Println("  -version   Show version")
	fmt.Println()
	fmt.Println("The agent directory holds the config file (callkit.json), the")
	fmt.Println("identity key and the call history database. One directory is")
	fmt.Println("one participant.")
}

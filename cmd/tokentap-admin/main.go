// Command tokentap-admin manages the C7 security state files: the admin
// dashboard token, network mode (local/network), and debug/capture mode.
// Grounded on the teacher's cmd/llm-proxy-keys/main.go flag-based CLI
// pattern, adapted from API-key CRUD to Tokentap's three state files.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tokentap/tokentap/internal/security"
)

const version = "1.0.0"

func main() {
	var (
		networkModePath = flag.String("network-mode-path", "state/network_mode", "Path to the network_mode state file")
		debugModePath   = flag.String("debug-mode-path", "state/debug_mode", "Path to the debug_mode state file")
		adminTokenPath  = flag.String("admin-token-path", "state/admin.token", "Path to the admin.token state file")

		generateToken = flag.Bool("generate-token", false, "Generate and store a new admin token, overwriting any existing one")
		showToken     = flag.Bool("show-token", false, "Print the current admin token")
		setNetwork    = flag.String("set-network-mode", "", "Set network mode: \"local\" or \"network\"")
		setCapture    = flag.String("set-debug-mode", "", "Set capture/debug mode: \"on\" or \"off\"")
		showStatus    = flag.Bool("status", false, "Print current network mode, debug mode, and whether an admin token is set")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Tokentap Admin v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  Generate admin token:  -generate-token\n")
		fmt.Fprintf(os.Stderr, "  Show admin token:      -show-token\n")
		fmt.Fprintf(os.Stderr, "  Set network mode:      -set-network-mode=network\n")
		fmt.Fprintf(os.Stderr, "  Set debug mode:        -set-debug-mode=on\n")
		fmt.Fprintf(os.Stderr, "  Show status:           -status\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	switch {
	case *generateToken:
		handleGenerateToken(*adminTokenPath, logger)
	case *showToken:
		handleShowToken(*adminTokenPath, logger)
	case *setNetwork != "":
		handleSetNetworkMode(*networkModePath, *setNetwork, logger)
	case *setCapture != "":
		handleSetCaptureMode(*debugModePath, *setCapture, logger)
	case *showStatus:
		handleStatus(*networkModePath, *debugModePath, *adminTokenPath, logger)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func handleGenerateToken(path string, logger *slog.Logger) {
	token, err := security.GenerateAdminToken()
	if err != nil {
		logger.Error("failed to generate admin token", "error", err)
		os.Exit(1)
	}
	if err := security.WriteAdminToken(path, token); err != nil {
		logger.Error("failed to write admin token", "path", path, "error", err)
		os.Exit(1)
	}
	fmt.Printf("\n✅ Admin token generated and written to %s\n\n", path)
	fmt.Printf("Token: %s\n", token)
	fmt.Printf("\nSend this in the %s header on dashboard requests.\n", security.AdminTokenHeader)
}

func handleShowToken(path string, logger *slog.Logger) {
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to read admin token", "path", path, "error", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}

func handleSetNetworkMode(path, mode string, logger *slog.Logger) {
	if mode != string(security.NetworkLocal) && mode != string(security.NetworkPublic) {
		logger.Error("invalid network mode", "mode", mode, "valid", []string{"local", "network"})
		os.Exit(1)
	}
	if err := security.WriteNetworkMode(path, security.NetworkMode(mode)); err != nil {
		logger.Error("failed to write network mode", "path", path, "error", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Network mode set to %q in %s\n", mode, path)
	if mode == string(security.NetworkPublic) {
		fmt.Println("⚠️  Tokentap will bind 0.0.0.0 on next start — reachable from other hosts.")
	}
}

func handleSetCaptureMode(path, mode string, logger *slog.Logger) {
	if mode != string(security.CaptureOn) && mode != string(security.CaptureOff) {
		logger.Error("invalid debug mode", "mode", mode, "valid", []string{"on", "off"})
		os.Exit(1)
	}
	if err := security.WriteCaptureMode(path, security.CaptureMode(mode)); err != nil {
		logger.Error("failed to write debug mode", "path", path, "error", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Debug mode set to %q in %s\n", mode, path)
	if mode == string(security.CaptureOn) {
		fmt.Println("⚠️  Full, unredacted request/response bodies will be captured on next start.")
	}
}

func handleStatus(networkModePath, debugModePath, adminTokenPath string, logger *slog.Logger) {
	gate, err := security.New(security.Config{
		NetworkModePath: networkModePath,
		DebugModePath:   debugModePath,
		AdminTokenPath:  adminTokenPath,
	})
	if err != nil {
		logger.Error("failed to load security state", "error", err)
		os.Exit(1)
	}

	_, tokenErr := os.Stat(adminTokenPath)
	fmt.Printf("\nTokentap Security Status:\n\n")
	fmt.Printf("Network mode: %s (binds %s)\n", gate.NetworkMode(), gate.BindAddress())
	fmt.Printf("Debug mode:   %s\n", gate.CaptureMode())
	fmt.Printf("Admin token:  %s\n", tokenStatus(tokenErr))
}

func tokenStatus(err error) string {
	if err != nil {
		return "not set"
	}
	return "set"
}

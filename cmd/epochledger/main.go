package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "open":
		return runOpenCmd(args[2:], stdout, stderr)
	case "collect":
		return runCollectCmd(args[2:], stdout, stderr)
	case "close":
		return runCloseCmd(args[2:], stdout, stderr)
	case "pool":
		return runPoolCmd(args[2:], stdout, stderr)
	case "sign-request":
		return runSignRequestCmd(args[2:], stdout, stderr)
	case "finalize":
		return runFinalizeCmd(args[2:], stdout, stderr)
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "republish":
		return runRepublishCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "epochledger %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorRed   = "\033[31m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sEpoch Ledger %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sContributions in, signed payouts out.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  epochledger <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "SERVER")
	printCommand(w, "serve", "Run the HTTP API and auto-closer (default)")

	printSection(w, "EPOCH LIFECYCLE")
	printCommand(w, "open", "Open an epoch (--node, --scope, --start, --end, --weights)")
	printCommand(w, "collect", "Run one collection cycle (--epoch)")
	printCommand(w, "close", "Close ingestion (--epoch)")
	printCommand(w, "pool", "Record a pool component (--epoch, --component, --amount)")
	printCommand(w, "sign-request", "Print the payout preview and message to sign (--epoch)")
	printCommand(w, "finalize", "Finalize with a signature (--epoch, --signature | --key)")

	printSection(w, "VERIFICATION")
	printCommand(w, "verify", "Re-verify an epoch's statements (--epoch, --json)")
	printCommand(w, "republish", "Re-archive an epoch's statements (--epoch)")

	printSection(w, "KEYS & ACCESS")
	printCommand(w, "keygen", "Generate a secp256k1 approver key")
	printCommand(w, "sign", "Sign a canonical message (--key, --message-file)")
	printCommand(w, "token", "Issue an API token (--subject, --roles, --ttl)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-13s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// newLogger returns a JSON slog logger at the named level (DEBUG, INFO, WARN, ERROR).
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

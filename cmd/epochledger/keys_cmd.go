package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/epochledger/pkg/auth"
	"github.com/Mindburn-Labs/epochledger/pkg/config"
	"github.com/Mindburn-Labs/epochledger/pkg/crypto"
)

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		outPath    string
		jsonOutput bool
	)
	cmd.StringVar(&outPath, "out", "", "Write the private key to this file (0600) instead of stdout")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	signer, err := crypto.NewSecp256k1Signer()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	result := map[string]string{"address": signer.Address()}
	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(signer.PrivateKeyHex()+"\n"), 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: failed to save key: %v\n", err)
			return 1
		}
		result["key_file"] = outPath
	} else {
		result["private_key"] = signer.PrivateKeyHex()
	}

	if jsonOutput {
		_ = printJSON(stdout, result)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Address:     %s\n", result["address"])
	if outPath != "" {
		_, _ = fmt.Fprintf(stdout, "Key file:    %s\n", outPath)
	} else {
		_, _ = fmt.Fprintf(stdout, "Private key: %s\n", result["private_key"])
	}
	return 0
}

// runSignCmd signs a canonical message, as produced by `sign-request --message-out`.
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var keyHex, keyFile, messageFile string
	cmd.StringVar(&keyHex, "key", "", "Hex private key")
	cmd.StringVar(&keyFile, "key-file", "", "File holding the hex private key")
	cmd.StringVar(&messageFile, "message-file", "", "Canonical message file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !requireFlag(stderr, "message-file", messageFile) {
		return 2
	}

	signer, err := loadSigner(keyHex, keyFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	msg, err := os.ReadFile(messageFile) //nolint:gosec // operator-supplied path
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	sig, err := signer.Sign(string(msg))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, sig)
	return 0
}

// runTokenCmd issues an HS256 API token with the configured secret.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfgPath := configFlag(cmd)
	var subject, roles, address string
	var ttl time.Duration
	cmd.StringVar(&subject, "subject", "", "Token subject (REQUIRED)")
	cmd.StringVar(&roles, "roles", auth.RoleViewer, "Comma-separated roles: admin, approver, curator, viewer")
	cmd.StringVar(&address, "address", "", "Approver address bound to the token")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !requireFlag(stderr, "subject", subject) {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	validator := auth.NewJWTValidator([]byte(cfg.HTTP.JWTSecret), cfg.HTTP.JWTIssuer)
	if validator == nil {
		_, _ = fmt.Fprintln(stderr, "Error: EPOCHLEDGER_JWT_SECRET (or http.jwt_secret) is not set")
		return 1
	}

	var list []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			list = append(list, r)
		}
	}
	tok, err := validator.Issue(subject, list, address, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

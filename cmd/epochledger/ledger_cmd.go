package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/epochledger/pkg/config"
	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
	"github.com/Mindburn-Labs/epochledger/pkg/crypto"
	"github.com/Mindburn-Labs/epochledger/pkg/epoch"
)

// One-shot commands exit 0 on success, 1 on a ledger failure and 2 on bad usage.

func withLedger(cfgPath string, stderr io.Writer, fn func(ctx context.Context, a *app) error) int {
	ctx := context.Background()
	a, err := bootstrap(ctx, cfgPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close(ctx)

	if err := fn(ctx, a); err != nil {
		var le *contracts.LedgerError
		if errors.As(err, &le) {
			_, _ = fmt.Fprintf(stderr, "%sError [%s]:%s %s\n", ColorRed, le.Code, ColorReset, le.Message)
		} else {
			_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		}
		return 1
	}
	return 0
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireFlag(stderr io.Writer, name, value string) bool {
	if strings.TrimSpace(value) == "" {
		_, _ = fmt.Fprintf(stderr, "Error: --%s is required\n", name)
		return false
	}
	return true
}

func runOpenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("open", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfgPath := configFlag(cmd)
	var node, scope, start, end, weightsPath string
	cmd.StringVar(&node, "node", "", "Node ID (REQUIRED)")
	cmd.StringVar(&scope, "scope", "", "Scope ID (REQUIRED)")
	cmd.StringVar(&start, "start", "", "Period start, RFC 3339 (REQUIRED)")
	cmd.StringVar(&end, "end", "", "Period end, RFC 3339, exclusive (REQUIRED)")
	cmd.StringVar(&weightsPath, "weights", "", "Weight table file (defaults to ledger.weights_file)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !requireFlag(stderr, "node", node) || !requireFlag(stderr, "scope", scope) ||
		!requireFlag(stderr, "start", start) || !requireFlag(stderr, "end", end) {
		return 2
	}
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --start: %v\n", err)
		return 2
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --end: %v\n", err)
		return 2
	}

	return withLedger(*cfgPath, stderr, func(ctx context.Context, a *app) error {
		weights := a.weights
		if weightsPath != "" {
			w, err := config.LoadWeights(weightsPath)
			if err != nil {
				return err
			}
			weights = &w
		}
		if weights == nil {
			return errors.New("no weight table: pass --weights or set ledger.weights_file")
		}
		ep, err := a.registry.OpenEpoch(ctx, epoch.OpenRequest{
			NodeID:      node,
			ScopeID:     scope,
			PeriodStart: from,
			PeriodEnd:   to,
			Weights:     *weights,
		})
		if err != nil {
			return err
		}
		return printJSON(stdout, ep)
	})
}

// epochFlags parses the --config/--epoch pair most commands share.
func epochFlags(name string, args []string, stderr io.Writer, extra func(fs *flag.FlagSet)) (cfgPath, epochID string, ok bool) {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	cfg := configFlag(cmd)
	id := cmd.String("epoch", "", "Epoch ID (REQUIRED)")
	if extra != nil {
		extra(cmd)
	}
	if err := cmd.Parse(args); err != nil {
		return "", "", false
	}
	if !requireFlag(stderr, "epoch", *id) {
		return "", "", false
	}
	return *cfg, *id, true
}

func runCollectCmd(args []string, stdout, stderr io.Writer) int {
	cfgPath, epochID, ok := epochFlags("collect", args, stderr, nil)
	if !ok {
		return 2
	}
	return withLedger(cfgPath, stderr, func(ctx context.Context, a *app) error {
		rep, err := a.orch.RunCollectionCycle(ctx, epochID)
		if err != nil {
			return err
		}
		return printJSON(stdout, rep)
	})
}

func runCloseCmd(args []string, stdout, stderr io.Writer) int {
	cfgPath, epochID, ok := epochFlags("close", args, stderr, nil)
	if !ok {
		return 2
	}
	return withLedger(cfgPath, stderr, func(ctx context.Context, a *app) error {
		ep, err := a.registry.CloseIngestion(ctx, epochID)
		if err != nil {
			return err
		}
		return printJSON(stdout, ep)
	})
}

func runPoolCmd(args []string, stdout, stderr io.Writer) int {
	var component, amount string
	cfgPath, epochID, ok := epochFlags("pool", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&component, "component", contracts.ComponentBaseIssuance, "Pool component ID")
		fs.StringVar(&amount, "amount", "", "Amount in credits, base-10 integer (REQUIRED)")
	})
	if !ok || !requireFlag(stderr, "amount", amount) {
		return 2
	}
	credits, err := contracts.ParseBigInt(amount)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --amount: %v\n", err)
		return 2
	}
	return withLedger(cfgPath, stderr, func(ctx context.Context, a *app) error {
		if err := a.orch.RecordPoolComponent(ctx, epochID, component, credits); err != nil {
			return err
		}
		comps, err := a.store.Epochs.ListPoolComponents(ctx, epochID)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"epoch_id": epochID, "components": comps})
	})
}

func runSignRequestCmd(args []string, stdout, stderr io.Writer) int {
	var messageOut string
	cfgPath, epochID, ok := epochFlags("sign-request", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&messageOut, "message-out", "", "Also write the canonical message to this file")
	})
	if !ok {
		return 2
	}
	return withLedger(cfgPath, stderr, func(ctx context.Context, a *app) error {
		req, err := a.orch.PrepareFinalize(ctx, epochID)
		if err != nil {
			return err
		}
		if messageOut != "" {
			if err := os.WriteFile(messageOut, []byte(req.Message), 0o600); err != nil {
				return fmt.Errorf("write message: %w", err)
			}
		}
		return printJSON(stdout, req)
	})
}

func runFinalizeCmd(args []string, stdout, stderr io.Writer) int {
	var signature, keyHex, keyFile, correctionFile string
	cfgPath, epochID, ok := epochFlags("finalize", args, stderr, func(fs *flag.FlagSet) {
		fs.StringVar(&signature, "signature", "", "Approver signature over the canonical message (0x-hex, 65 bytes)")
		fs.StringVar(&keyHex, "key", "", "Sign locally with this hex private key (dev only)")
		fs.StringVar(&keyFile, "key-file", "", "Sign locally with the key in this file (dev only)")
		fs.StringVar(&correctionFile, "correction", "", "JSON allocation list: issue a correction instead of finalizing")
	})
	if !ok {
		return 2
	}
	if signature == "" && keyHex == "" && keyFile == "" && os.Getenv("EPOCHLEDGER_SIGNING_KEY") == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --signature or --key/--key-file is required")
		return 2
	}

	var corrected []contracts.Allocation
	if correctionFile != "" {
		data, err := os.ReadFile(correctionFile) //nolint:gosec // operator-supplied path
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if err := json.Unmarshal(data, &corrected); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --correction: %v\n", err)
			return 2
		}
	}

	return withLedger(cfgPath, stderr, func(ctx context.Context, a *app) error {
		sig := signature
		if sig == "" {
			signer, err := loadSigner(keyHex, keyFile)
			if err != nil {
				return err
			}
			var msg string
			if corrected != nil {
				req, err := a.orch.PrepareCorrection(ctx, epochID, corrected)
				if err != nil {
					return err
				}
				msg = req.Message
			} else {
				req, err := a.orch.PrepareFinalize(ctx, epochID)
				if err != nil {
					return err
				}
				msg = req.Message
			}
			if sig, err = signer.Sign(msg); err != nil {
				return err
			}
			a.logger.WarnContext(ctx, "signed locally with a key on disk; use an external signer in production",
				"signer", signer.Address())
		}

		var (
			stmt contracts.PayoutStatement
			err  error
		)
		if corrected != nil {
			stmt, err = a.orch.RunCorrection(ctx, epochID, corrected, sig)
		} else {
			stmt, err = a.orch.RunFinalize(ctx, epochID, sig)
		}
		if err != nil {
			return err
		}
		return printJSON(stdout, stmt)
	})
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	var jsonOutput bool
	cfgPath, epochID, ok := epochFlags("verify", args, stderr, func(fs *flag.FlagSet) {
		fs.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	})
	if !ok {
		return 2
	}
	valid := false
	code := withLedger(cfgPath, stderr, func(ctx context.Context, a *app) error {
		v, err := a.orch.VerifyStatement(ctx, epochID)
		if err != nil {
			return err
		}
		valid = v.Valid
		if jsonOutput {
			return printJSON(stdout, v)
		}
		for _, c := range v.Statements {
			mark := ColorGreen + "valid" + ColorReset
			if !c.Valid {
				mark = ColorRed + "INVALID" + ColorReset
			}
			_, _ = fmt.Fprintf(stdout, "%s  %s  signer=%s\n", c.StatementID, mark, c.Signer)
			for _, p := range c.Problems {
				_, _ = fmt.Fprintf(stdout, "    - %s\n", p)
			}
		}
		return nil
	})
	if code == 0 && !valid {
		return 1
	}
	return code
}

func runRepublishCmd(args []string, stdout, stderr io.Writer) int {
	cfgPath, epochID, ok := epochFlags("republish", args, stderr, nil)
	if !ok {
		return 2
	}
	return withLedger(cfgPath, stderr, func(ctx context.Context, a *app) error {
		n, err := a.orch.Republish(ctx, epochID)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "republished %d statement(s) for %s\n", n, epochID)
		return nil
	})
}

// loadSigner reads a hex key from the flag, the file, or EPOCHLEDGER_SIGNING_KEY.
func loadSigner(keyHex, keyFile string) (*crypto.Secp256k1Signer, error) {
	if keyHex == "" && keyFile != "" {
		data, err := os.ReadFile(keyFile) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		keyHex = strings.TrimSpace(string(data))
	}
	if keyHex == "" {
		keyHex = os.Getenv("EPOCHLEDGER_SIGNING_KEY")
	}
	if keyHex == "" {
		return nil, errors.New("no signing key")
	}
	return crypto.NewSecp256k1SignerFromHex(keyHex)
}

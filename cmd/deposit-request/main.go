// deposit-request submits one deposit to a running savingsd and prints the
// resulting attempt record. The request blocks until the deposit confirms or
// the daemon reports a failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stackpool/savingsd/internal/savingsclient"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("deposit-request", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	apiURL := fs.String("api-url", "http://127.0.0.1:8080", "savingsd base URL")
	amount := fs.String("amount", "", "deposit amount in the token's smallest unit")
	amountDecimal := fs.String("amount-decimal", "", "deposit amount in whole tokens (e.g. 100 or 0.5)")
	outputPath := fs.String("output", "-", "output file path or '-' for stdout")
	timeout := fs.Duration("timeout", 15*time.Minute, "request timeout; deposits block until confirmation")

	if err := fs.Parse(args); err != nil {
		return err
	}
	rawAmount := strings.TrimSpace(*amount)
	decAmount := strings.TrimSpace(*amountDecimal)
	if rawAmount == "" && decAmount == "" {
		return errors.New("one of --amount or --amount-decimal is required")
	}
	if rawAmount != "" && decAmount != "" {
		return errors.New("use only one of --amount or --amount-decimal")
	}
	if *timeout <= 0 {
		return errors.New("--timeout must be > 0")
	}

	client, err := savingsclient.New(strings.TrimSpace(*apiURL))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := client.Deposit(ctx, savingsclient.DepositRequest{
		Amount:        rawAmount,
		AmountDecimal: decAmount,
	})
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(res.Attempt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	encoded = append(encoded, '\n')

	if strings.TrimSpace(*outputPath) == "" || *outputPath == "-" {
		_, err := stdout.Write(encoded)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(*outputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(*outputPath, encoded, 0o644)
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/triage-ai/runguard/internal/signature"
	"github.com/triage-ai/runguard/internal/window"
)

const secretEnv = "RUNGUARD_WEBHOOK_SECRET"

// readBody reads the named file, or stdin for "" and "-".
func readBody(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func resolveSecret(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if s := os.Getenv(secretEnv); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("no secret: pass --secret or set %s", secretEnv)
}

func newSignCmd() *cobra.Command {
	var (
		secret    string
		timestamp string
	)
	cmd := &cobra.Command{
		Use:   "sign [file]",
		Short: "Print the signature headers for a webhook body",
		Long: `Signs a webhook body (from a file, or stdin when omitted) and prints the
X-Timestamp and X-Signature headers a callback must carry.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveSecret(secret)
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			body, err := readBody(cmd, path)
			if err != nil {
				return fmt.Errorf("reading body: %w", err)
			}

			ts, sig := timestamp, ""
			if ts == "" {
				ts, sig = signature.SignNow(window.SystemClock{}, body, key)
			} else {
				sig = signature.Sign(body, ts, key)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", signature.HeaderTimestamp, ts)
			fmt.Fprintf(out, "%s: %s\n", signature.HeaderSignature, sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared webhook secret (default $"+secretEnv+")")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "unix seconds to sign with (default now)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var secret, timestamp, sig string
	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Check a webhook body against its signature headers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveSecret(secret)
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			body, err := readBody(cmd, path)
			if err != nil {
				return fmt.Errorf("reading body: %w", err)
			}
			if !signature.NewVerifier(window.SystemClock{}).Verify(body, timestamp, sig, key) {
				return errors.New("signature invalid or timestamp outside the allowed skew")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ signature valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "shared webhook secret (default $"+secretEnv+")")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "X-Timestamp header value")
	cmd.Flags().StringVar(&sig, "signature", "", "X-Signature header value")
	_ = cmd.MarkFlagRequired("timestamp")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

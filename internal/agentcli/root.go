// Package agentcli is the command line for agents paying through escrowgate.
package agentcli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mbd888/escrowgate/internal/auth"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/internal/ledger/remote"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Gateway   string
	LedgerURL string
	Key       string
	Format    string // "json" | "text"
	Verbose   bool

	// newLedger builds the ledger commands pay through. Tests replace it.
	newLedger func(opts *RootOptions) (ledger.Ledger, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the agent CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{newLedger: remoteLedger})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrowgate-agent",
		Short: "Pay for API calls through an escrowgate gateway",
		Long: `Pay for API calls through an escrowgate gateway.

Every paid call locks funds in an escrow before the request is replayed,
and releases them only when the received bytes hash to what the gateway
delivered.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Gateway, "gateway", envOr("ESCROWGATE_URL", "http://localhost:8080"), "gateway base URL")
	cmd.PersistentFlags().StringVar(&opts.LedgerURL, "ledger", os.Getenv("ESCROWGATE_LEDGER_URL"), "signed ledger API URL (defaults to --gateway)")
	cmd.PersistentFlags().StringVar(&opts.Key, "key", os.Getenv("ESCROWGATE_PRIVATE_KEY"), "agent private key, hex")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewCallCommand(opts))
	cmd.AddCommand(NewEscrowCommand(opts))

	return cmd
}

func remoteLedger(opts *RootOptions) (ledger.Ledger, error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("--key or ESCROWGATE_PRIVATE_KEY is required")
	}
	key, err := auth.ParseKey(opts.Key)
	if err != nil {
		return nil, err
	}
	base := opts.LedgerURL
	if base == "" {
		base = opts.Gateway
	}
	return remote.New(strings.TrimRight(base, "/"), key).
		WithHTTPClient(&http.Client{Timeout: 30 * time.Second}).
		WithReadRetry(3, 200*time.Millisecond), nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

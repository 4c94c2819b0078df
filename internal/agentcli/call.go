package agentcli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/mbd888/escrowgate/pkg/client"
	"github.com/mbd888/escrowgate/pkg/x402"
	"github.com/spf13/cobra"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	Method   string
	Data     string
	MaxPrice string
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <listing-id> <path>",
		Short: "Make a paid call to a listed provider",
		Long: `Make a paid call to a listed provider.

The response body is written to stdout; the settlement summary goes to
stderr in text mode.

Example:
  escrowgate-agent call weather /forecast?city=Oslo --max-price 0.01
  escrowgate-agent call search /query -X POST -d @query.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&opts.Method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "request body, or @file to read it from a file")
	cmd.Flags().StringVar(&opts.MaxPrice, "max-price", "", "refuse demands above this price, in whole units")

	return cmd
}

// callOutput is the json rendering of a paid call.
type callOutput struct {
	EscrowID      string `json:"escrowId"`
	Price         string `json:"price"`
	Asset         string `json:"asset"`
	State         string `json:"state"`
	Matched       bool   `json:"matched"`
	DataHash      string `json:"dataHash"`
	LocalHash     string `json:"localHash"`
	HeaderMatches bool   `json:"headerMatches"`
	ContentType   string `json:"contentType,omitempty"`
	Body          string `json:"body"`
}

func runCall(cmd *cobra.Command, opts *CallOptions, listingID, path string) error {
	body, err := readData(opts.Data)
	if err != nil {
		return err
	}
	l, err := opts.newLedger(opts.RootOptions)
	if err != nil {
		return err
	}

	c := client.New(l)
	c.MaxPrice = opts.MaxPrice
	if opts.Verbose {
		c.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
		c.OnDemand = func(d *x402.PaymentDemand) {
			fmt.Fprintf(cmd.ErrOrStderr(), "demand: %s %s to %s for %s\n", d.Price, d.Currency, d.Provider, d.Endpoint)
		}
	} else {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := strings.TrimRight(opts.Gateway, "/") + "/proxy/" + url.PathEscape(listingID) + path

	res, err := c.Call(cmd.Context(), strings.ToUpper(opts.Method), target, body)
	if err != nil {
		var settle *client.SettleError
		if errors.As(err, &settle) {
			if res != nil && len(res.Body) > 0 {
				_, _ = cmd.OutOrStdout().Write(res.Body)
			}
			return fmt.Errorf("%w (inspect with: escrow get %s)", err, ledger.FormatID(settle.EscrowID))
		}
		return err
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), callOutput{
			EscrowID:      ledger.FormatID(res.EscrowID),
			Price:         res.Price.String(),
			Asset:         res.Asset.Key(),
			State:         string(res.State),
			Matched:       res.Matched,
			DataHash:      res.DataHash.Hex(),
			LocalHash:     res.LocalHash.Hex(),
			HeaderMatches: res.HeaderMatches,
			ContentType:   res.ContentType,
			Body:          string(res.Body),
		})
	}

	if _, err := cmd.OutOrStdout().Write(res.Body); err != nil {
		return err
	}
	verdict := "released"
	if !res.Matched {
		verdict = "DISPUTED, received bytes do not match the delivery hash"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "\nescrow %s: paid %s %s, %s\n",
		ledger.FormatID(res.EscrowID), res.Price, res.Asset.Key(), verdict)
	return nil
}

func readData(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if name, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read --data file: %w", err)
		}
		return b, nil
	}
	return []byte(data), nil
}

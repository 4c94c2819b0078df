package agentcli

import (
	"fmt"

	"github.com/mbd888/escrowgate/internal/escrow"
	"github.com/mbd888/escrowgate/internal/ledger"
	"github.com/spf13/cobra"
)

// NewEscrowCommand creates the escrow command group.
func NewEscrowCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Inspect and settle escrows",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "get <escrow-id>",
		Short:         "Show an escrow",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, id, err := ledgerAndID(opts, args[0])
			if err != nil {
				return err
			}
			e, err := l.GetEscrow(cmd.Context(), id)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), e)
			}
			printEscrow(cmd, e)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "refund <escrow-id>",
		Short: "Reclaim an undelivered escrow after its timeout",
		Long: `Reclaim an undelivered escrow after its timeout.

Only the agent that funded the escrow can refund it, and only while the
provider has not committed a delivery.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, id, err := ledgerAndID(opts, args[0])
			if err != nil {
				return err
			}
			if err := l.Refund(cmd.Context(), id); err != nil {
				return fmt.Errorf("refund escrow %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "escrow %s refunded\n", ledger.FormatID(id))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "claim <escrow-id>",
		Short: "Claim a delivered escrow the agent never confirmed",
		Long: `Claim a delivered escrow the agent never confirmed.

Run with the provider's key once the escrow's timeout has passed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, id, err := ledgerAndID(opts, args[0])
			if err != nil {
				return err
			}
			if err := l.ClaimTimeout(cmd.Context(), id); err != nil {
				return fmt.Errorf("claim escrow %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "escrow %s claimed\n", ledger.FormatID(id))
			return nil
		},
	})

	return cmd
}

func ledgerAndID(opts *RootOptions, ref string) (ledger.Ledger, uint64, error) {
	id, err := ledger.ParseID(ref)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid escrow id %q", ref)
	}
	l, err := opts.newLedger(opts)
	if err != nil {
		return nil, 0, err
	}
	return l, id, nil
}

func printEscrow(cmd *cobra.Command, e *escrow.Escrow) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "escrow %s: %s\n", ledger.FormatID(e.ID), e.State)
	fmt.Fprintf(w, "  agent     %s\n", e.Agent)
	fmt.Fprintf(w, "  provider  %s\n", e.Provider)
	fmt.Fprintf(w, "  amount    %s %s\n", e.Amount, e.Asset.Key())
	if e.Endpoint != "" {
		fmt.Fprintf(w, "  endpoint  %s\n", e.Endpoint)
	}
	if !e.DeliveryHash.IsZero() {
		fmt.Fprintf(w, "  delivery  %s\n", e.DeliveryHash.Hex())
	}
	if !e.ReceiptHash.IsZero() {
		fmt.Fprintf(w, "  receipt   %s\n", e.ReceiptHash.Hex())
	}
	if !e.State.IsTerminal() {
		fmt.Fprintf(w, "  timeout   %s\n", e.RefundableAt().UTC().Format("2006-01-02T15:04:05Z"))
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/elys-network/avr/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print whether a rebalance is warranted right now, without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		decision, err := a.manager.ShouldRebalance(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(decision)
	},
}

var distributionCmd = &cobra.Command{
	Use:   "distribution",
	Short: "Print the optimal validator distribution",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		validators, bps, err := a.manager.GetOptimalValidatorDistribution(cmd.Context())
		if err != nil {
			return err
		}
		if len(validators) == 0 {
			fmt.Println("no validator qualifies as a safe target")
			return nil
		}
		for i, v := range validators {
			fmt.Printf("%s  %5d bps  %s\n", v.Hex(), bps[i], formatBps(bps[i]))
		}
		return nil
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync-ledger",
	Short: "Rebuild the ledger's delegation records from the registry after a stale-ledger halt",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.manager.ResyncLedger(cmd.Context(), config.OperatorAddress)
		if err != nil {
			return err
		}
		for _, rec := range result.Snapshot.FinalLedger {
			fmt.Printf("%s  %s\n", rec.Validator.Hex(), rec.Amount)
		}
		return nil
	},
}

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/biadnet/biadnet/config"
)

// MakeShowTipCommand returns the command that prints the trunk tip of the
// local header database.
func MakeShowTipCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show-tip",
		Short: "Show the tip of the local header chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			chain, closeDB, err := openChainDB(conf)
			if err != nil {
				return err
			}
			defer closeDB()

			tip := chain.Tip()
			bz, err := json.MarshalIndent(struct {
				Network string `json:"network"`
				Height  uint32 `json:"height"`
				Hash    string `json:"hash"`
				Work    string `json:"work"`
			}{
				Network: chain.Params().Name,
				Height:  tip.Height,
				Hash:    tip.Hash().String(),
				Work:    tip.Work.String(),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(bz))
			return nil
		},
	}
}

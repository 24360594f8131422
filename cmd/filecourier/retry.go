package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-attempt a failed or canceled upload under the same id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := a.setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ep, err := a.resolveEndpoint()
			if err != nil {
				return err
			}

			a.uploader.SetProgressSubscriber(func(_ string, pct float64) {
				fmt.Printf("\ruploading… %3.0f%%", pct)
			})

			if err := a.uploader.Retry(cmd.Context(), ep, args[0]); err != nil {
				fmt.Println()
				return err
			}
			fmt.Println()

			return reportOutcome(a, args[0])
		},
	}
}

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	apperrors "github.com/lmoretti/filecourier/internal/errors"
)

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove an item from the listing, deleting any staged archive",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cleanup, err := a.setup()
			if err != nil {
				return err
			}
			defer cleanup()

			item, err := a.state.GetItem(args[0])
			if err != nil {
				return err
			}
			if item == nil {
				return apperrors.ErrItemNotFound
			}

			// The staging path is the sole signal a physical temporary
			// file still exists. Cleanup failures never block removal.
			if item.LocalStagingPath != "" {
				if err := os.Remove(item.LocalStagingPath); err != nil && !os.IsNotExist(err) {
					a.logger.Warn("removing staged archive failed",
						slog.String("path", item.LocalStagingPath),
						slog.Any("error", err),
					)
				}
			}

			if err := a.state.DeleteItem(item.ID); err != nil {
				return err
			}

			fmt.Printf("removed %s (%s)\n", item.ID, item.Name)

			return nil
		},
	}
}

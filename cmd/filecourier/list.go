package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lmoretti/filecourier/internal/courier"
)

func newListCmd(a *app) *cobra.Command {
	var localOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show the reconciled file listing, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cleanup, err := a.setup()
			if err != nil {
				return err
			}
			defer cleanup()

			local, err := a.state.AllItems()
			if err != nil {
				return fmt.Errorf("reading local items: %w", err)
			}

			if localOnly {
				printItems(courier.Merge(nil, local))
				return nil
			}

			ep, err := a.resolveEndpoint()
			if err != nil {
				return err
			}
			if err := ep.Validate(); err != nil {
				return err
			}

			server, err := a.client.ListFiles(cmd.Context(), ep, 1, a.cfg.ListPageSize, "desc")
			if err != nil {
				return err
			}

			merged := courier.Merge(server, courier.PendingOnly(local))

			if err := cacheMerged(a, local, merged); err != nil {
				return err
			}

			printItems(merged)

			return nil
		},
	}

	cmd.Flags().BoolVar(&localOnly, "local", false, "list only locally known items, without contacting the server")

	return cmd
}

// cacheMerged replaces the stored listing with the reconciled view:
// stale server-origin entries go away, everything in the merge is
// persisted so details survive restarts.
func cacheMerged(a *app, local, merged []courier.FileItem) error {
	for _, it := range local {
		if it.Kind == courier.KindServer {
			if err := a.state.DeleteItem(it.ID); err != nil {
				return fmt.Errorf("pruning cached listing: %w", err)
			}
		}
	}

	for _, it := range merged {
		if err := a.state.PutItem(it); err != nil {
			return fmt.Errorf("caching listing: %w", err)
		}
	}

	return nil
}

func printItems(items []courier.FileItem) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSIZE\tCREATED")

	for _, it := range items {
		status := it.Status
		if status == "" {
			status = courier.StatusUploaded
		}

		created := ""
		if it.CreatedAt > 0 {
			created = time.UnixMilli(it.CreatedAt).Format("2006-01-02 15:04")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.ID, it.Name, status, formatBytes(it.SizeBytes), created)
	}

	w.Flush()
}

// formatBytes renders a byte count in a compact human form.
func formatBytes(n int64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

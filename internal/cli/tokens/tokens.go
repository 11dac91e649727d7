package tokens

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/mtgate/internal/cli/config"
)

func New(rc *config.RootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect issued session tokens",
	}
	cmd.AddCommand(newListCmd(rc))
	return cmd
}

func newListCmd(rc *config.RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the current token of every owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rc.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OWNER\tACCOUNT\tSERVER\tISSUED\tTOKEN")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.OwnerID, r.AccountID, r.Server, r.CreatedAt.Format(time.DateTime), r.Token)
			}
			return w.Flush()
		},
	}
}

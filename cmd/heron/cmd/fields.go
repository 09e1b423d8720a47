package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/heron/internal/catalog"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Print the field catalog rules may reference",
	Args:  cobra.NoArgs,
	RunE:  runFields,
}

func init() {
	rootCmd.AddCommand(fieldsCmd)
	fieldsCmd.Flags().Bool("json", false, "print the catalog as served by GET /fields")
}

func runFields(cmd *cobra.Command, args []string) error {
	cat := catalog.Default()
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cat.Metadata())
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tTYPE\tDERIVED\tOPERATORS\tOPTIONS")
	for _, f := range cat.Fields() {
		ops := make([]string, len(f.Operators))
		for i, op := range f.Operators {
			ops[i] = op.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
			f.Name, f.DataType, f.Derived, strings.Join(ops, ","), strings.Join(f.Options, ","))
	}
	return tw.Flush()
}

package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/millrace/mill/internal/dsl"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			wb, err := dsl.Parse(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			names := make([]string, 0, len(wb.Workflows))
			for name := range wb.Workflows {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				wf := wb.Workflows[name]
				fmt.Fprintf(cmd.OutOrStdout(), "workflow %s (%s, %d tasks)\n",
					name, wf.Type, len(wf.Tasks))
			}
			for name := range wb.Actions {
				fmt.Fprintf(cmd.OutOrStdout(), "action %s\n", name)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

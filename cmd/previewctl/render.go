package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var renderCmd = &cobra.Command{
	Use:   "render <dir>",
	Short: "Print the assembled preview document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, bundle, err := loadBundle(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		doc := newAssembler().Assemble(bundle)
		for _, w := range doc.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
		}
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "hash %s, line offset %d\n", doc.Hash, doc.LineOffset)
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), doc.HTML)
		return err
	},
}

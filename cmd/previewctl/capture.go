package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/sandbox-preview/internal/preview/capture"
)

var (
	captureOut    string
	captureSettle time.Duration
)

var captureCmd = &cobra.Command{
	Use:   "capture <dir>",
	Short: "Render a project off-screen and write a gzip snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, bundle, err := loadBundle(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		host := capture.New(capture.Options{
			Settle:    captureSettle,
			Assembler: newAssembler(),
			Logger:    newLogger(),
		})
		snap, err := host.Capture(cmd.Context(), bundle)
		if err != nil {
			return err
		}

		if captureOut == "-" {
			_, err = cmd.OutOrStdout().Write(snap.Data)
			return err
		}
		if err := os.WriteFile(captureOut, snap.Data, 0o644); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}

		out := cmd.ErrOrStderr()
		fmt.Fprintf(out, "%s: %s, %d bytes (%d compressed) -> %s\n", snap.ID, snap.MIME, snap.Size, len(snap.Data), captureOut)
		if snap.Title != "" {
			fmt.Fprintf(out, "title: %s\n", snap.Title)
		}
		for _, ev := range snap.Console {
			fmt.Fprintf(out, "[%s] %s\n", ev.Level, formatArgs(ev.Args))
		}
		for _, ev := range snap.Errors {
			fmt.Fprintf(out, "%s\n", formatError(ev))
		}
		return nil
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureOut, "output", "o", "snapshot.html.gz", "snapshot file, - for stdout")
	captureCmd.Flags().DurationVar(&captureSettle, "settle", capture.DefaultSettle, "delay between load and snapshot")
}

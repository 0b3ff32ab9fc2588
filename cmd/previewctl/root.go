package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/source"
)

var (
	backendURL string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "previewctl",
	Short: "Render, capture and watch sandboxed previews",
	Long: `previewctl loads a project directory (HTML, CSS and JavaScript files plus
an optional preview.yaml or preview.toml manifest), assembles it into a
preview document and runs it in the same sandbox the preview server uses.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "code execution backend URL allowed by the document CSP")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(renderCmd, captureCmd, watchCmd)
}

func newLogger() *logging.Logger {
	if verbose {
		return logging.NewDevelopment()
	}
	return logging.NewNop()
}

func newAssembler() *assemble.Assembler {
	return assemble.New(assemble.Options{BackendURL: backendURL})
}

// loadBundle reads a project directory and resolves its bundle
func loadBundle(ctx context.Context, dir string) (*source.Project, source.Bundle, error) {
	project, err := source.LoadDir(ctx, dir)
	if err != nil {
		return nil, source.Bundle{}, err
	}
	bundle := project.Files.Resolve(project.Overrides)
	if bundle.IsEmpty() {
		return nil, source.Bundle{}, fmt.Errorf("%s: no html, css or js files found", dir)
	}
	return project, bundle, nil
}

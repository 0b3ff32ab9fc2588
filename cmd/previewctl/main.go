// Command previewctl assembles, captures and watches preview projects from
// the command line.
//
//	previewctl render ./site > preview.html
//	previewctl capture ./site -o shot.html.gz
//	previewctl watch ./site
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

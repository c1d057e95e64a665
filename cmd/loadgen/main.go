// Loadgen replays labelled loan applications against a running Harrier.
//
// Usage:
//
//	loadgen --csv applications.csv --url http://localhost:8080
//
// Each CSV row becomes one POST /evaluate. The id column supplies the
// applicant ID, the label column (if present) marks known fraud, and every
// other column is sent as an attribute. Numeric cells are sent as numbers.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

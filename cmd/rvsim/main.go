// Package main provides the rvsim command line.
//
// Usage:
//
//	rvsim run [flags] <program>
//	rvsim bench [flags]
//	rvsim config [file]
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

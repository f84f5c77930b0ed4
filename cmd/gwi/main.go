package main

import (
	"os"

	"github.com/gitwithintent/gwi/core"
)

// Exit codes are part of the CLI contract so scripts can branch on the
// failure class: 0 success, 1 validation, 2 signature/key, 3 store.
func exitCode(err error) int {
	switch core.KindOf(err) {
	case core.KindSignature, core.KindNotFound:
		return 2
	case core.KindStore:
		return 3
	default:
		return 1
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

package main

import (
	"os"

	"github.com/sokovanproject/sokovan/cmd/sokovan/cmd"
	"github.com/sokovanproject/sokovan/internal/common"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

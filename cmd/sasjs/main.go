package main

import (
	"os"

	"github.com/Dicklesworthstone/sasjs/cmd/sasjs/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

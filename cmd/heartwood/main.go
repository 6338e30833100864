package main

import (
	"fmt"
	"os"

	cmd "github.com/keepsimple1/heartwood/src/cmd/heartwood/command"
)

func main() {
	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

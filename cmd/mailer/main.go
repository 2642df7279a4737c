package main

import (
	"fmt"
	"os"

	"github.com/sungwon/mail-dispatch/internal/cli"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := cli.NewRootCommand(cli.DefaultConfig())
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailer: %v\n", err)
		return 1
	}
	return 0
}

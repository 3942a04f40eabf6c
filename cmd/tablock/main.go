package main

import (
	"context"
	"fmt"
	"os"

	"github.com/codefionn/tablock/internal/cli"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return cli.NewRootCommand(os.Stdout, os.Stderr).ExecuteContext(context.Background())
}

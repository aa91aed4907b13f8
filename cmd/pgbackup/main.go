package main

import (
	"fmt"
	"os"

	"github.com/vbp1/pgbackup-core/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pgbackup:", err)
		os.Exit(1)
	}
}

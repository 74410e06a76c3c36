// ./main.go
package main

import (
	"context"
	"errors"
	"os"

	"github.com/ScientiaCapital/bug-hive-sub000/cmd"
)

// exitInterrupted follows the shell convention for SIGINT.
const exitInterrupted = 130

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		if errors.Is(err, cmd.ErrInterrupted) {
			os.Exit(exitInterrupted)
		}
		os.Exit(1)
	}
}

// Command fieldsync runs and inspects the offline sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fieldsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fieldsync:", err)
	}
	os.Exit(cli.GetExitCode(err))
}

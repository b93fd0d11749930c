// Command opreg-cli registers and runs operations on an opreg daemon.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/opreg/opreg/internal/cli/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := commands.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

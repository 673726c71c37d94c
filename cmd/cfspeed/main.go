package main

import (
	"context"
	"os"

	"cfspeed/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background()))
}

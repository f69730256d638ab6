package main

import (
	"os"

	"github.com/tunnelward/portlease/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}

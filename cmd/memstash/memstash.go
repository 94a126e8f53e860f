package main

import (
	"os"

	"github.com/memstash/memstash/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/ndrctl"
)

func main() {
	if err := ndrctl.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"github.com/BioHazard786/warpvoice/cmd"
	"github.com/BioHazard786/warpvoice/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}

package main

import (
	"github.com/Paintersrp/procman/internal/cli"
	"github.com/Paintersrp/procman/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}

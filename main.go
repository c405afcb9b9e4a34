package main

import (
	"os"

	"tork-perf/cmd"
	"tork-perf/internal/failure"
)

func main() {
	os.Exit(failure.ExitCode(cmd.Execute()))
}

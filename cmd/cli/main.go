package main

import "github.com/perf-analysis/cmd/cli/cmd"

func main() {
	cmd.Execute()
}

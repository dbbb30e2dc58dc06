package main

import "github.com/agentic-research/bulkfs/cmd"

func main() {
	cmd.Execute()
}

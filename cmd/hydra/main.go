package main

import "github.com/OpenTraceLab/OpenTraceHydra/cmd/hydra/cmd"

func main() {
	cmd.Execute()
}

package main

import "settlement-core/cmd/settlement-cli/cmd"

func main() {
	cmd.Execute()
}

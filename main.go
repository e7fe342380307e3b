package main

import "github.com/atendai/atendai/cmd"

func main() {
	cmd.Execute()
}

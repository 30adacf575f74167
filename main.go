package main

import "github.com/copperline/agentrelay/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/agentbox/agentbox/cmd"

func main() {
	cmd.Execute()
}

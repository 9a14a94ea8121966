package main

import "github.com/olivia3215/cw-telegram-agent-sub000/cmd"

func main() {
	cmd.Execute()
}

package main

import (
	"github.com/shizukutanaka/kasegi/cmd/kasegi/commands"
)

func main() {
	commands.Execute()
}

package main

import "github.com/example/testsmith/cmd/testsmith/commands"

func main() {
	commands.Execute()
}

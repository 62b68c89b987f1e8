package main

import "github.com/papapumpkin/slaps/cmd"

func main() {
	cmd.Execute()
}

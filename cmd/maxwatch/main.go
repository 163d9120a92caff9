package main

import "github.com/example/maxwatch/cmd"

func main() {
	cmd.Execute()
}

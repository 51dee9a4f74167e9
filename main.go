package main

import "github.com/quadsnap/quadsnap/cmd"

func main() {
	cmd.Execute()
}

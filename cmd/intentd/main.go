package main

import "intent-registry/internal/cli"

func main() {
	cli.Execute()
}

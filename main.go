package main

import "github.com/felo/autoreply/internal/cli"

func main() {
	cli.Execute()
}

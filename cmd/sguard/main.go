package main

import "github.com/ogulcanaydogan/spend-guard/internal/cli"

func main() {
	cli.Execute()
}

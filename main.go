package main

import "github.com/graftdb/graft/cli"

func main() {
	cli.Execute()
}

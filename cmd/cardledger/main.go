package main

import "github.com/cardledger/cardledger/internal/cli"

func main() {
	cli.Execute()
}

package main

import "crypto-market-etl/internal/cli"

func main() {
	cli.Execute()
}

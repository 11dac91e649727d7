package main

import "github.com/rustyeddy/mtgate/internal/cli"

func main() {
	cli.Execute()
}

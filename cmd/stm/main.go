package main

import "github.com/Dicklesworthstone/stm/internal/cli"

func main() {
	cli.Execute()
}

package main

import "github.com/ramiqadoumi/go-messenger/services/messenger/cli"

func main() {
	cli.Execute()
}

package main

import (
	"github.com/zkcoord/go-sdk/pkg/cli"
)

func main() {
	cli.Execute()
}

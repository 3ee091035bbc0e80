package cli

import (
	"fmt"
	"os"

	"github.com/zkcoord/go-sdk/pkg/cli/command"
)

func Execute() {
	rootCmd := command.GetRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

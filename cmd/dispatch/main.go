package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Jmi2020/KITT-sub004/internal/cli"
)

var rootCmd = &cobra.Command{Use: "dispatch"}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

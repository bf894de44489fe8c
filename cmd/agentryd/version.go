package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentryd/internal/rpcserver"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(rpcserver.Version)
			return nil
		},
	}
}

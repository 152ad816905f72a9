// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bufio"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/botmanager/internal/auth"
)

// NewHashPasswordCmd creates the hash-password subcommand.
func NewHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for auth.password_hash",
		Long: `Read a password from the first line of standard input and print its
argon2id hash, ready to paste into auth.password_hash.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return oops.Code("INVALID_INPUT").Hint("pipe the password on stdin").Wrapf(err, "read password")
			}
			hash, err := auth.NewHasher().Hash(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			cmd.Println(hash)
			return nil
		},
	}
}

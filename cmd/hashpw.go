package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/maxwatch/internal/web"
)

func newHashPWCmd() *cobra.Command {
	var password string

	c := &cobra.Command{
		Use:   "hashpw",
		Short: "Print the bcrypt hash for ADMIN_PASSWORD_BCRYPT",
		Long:  "Hashes --password, or the first line of stdin when the flag is absent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			hash, err := web.HashPassword(password)
			if err != nil {
				return err
			}
			cmd.Println(hash)
			return nil
		},
	}
	c.Flags().StringVar(&password, "password", "", "admin password (prefer stdin)")
	return c
}

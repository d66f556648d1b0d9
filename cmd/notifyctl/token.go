package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aftionix/jobboard-realtime/internal/hub"
	"github.com/aftionix/jobboard-realtime/notify"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("jwt-secret")
		if secret == "" {
			return fmt.Errorf("--jwt-secret (or NOTIFYCTL_JWT_SECRET) is required")
		}

		userID, _ := cmd.Flags().GetString("user")
		email, _ := cmd.Flags().GetString("email")
		name, _ := cmd.Flags().GetString("name")
		roleStr, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		role := notify.Role(roleStr)
		if !role.Valid() {
			return fmt.Errorf("invalid role %q", roleStr)
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		token, err := hub.IssueToken(hub.Identity{
			UserID: userID,
			Email:  email,
			Name:   name,
			Role:   role,
		}, []byte(secret), ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id (token subject)")
	tokenCmd.Flags().String("email", "", "user email")
	tokenCmd.Flags().String("name", "", "display name")
	tokenCmd.Flags().String("role", "jobseeker", "role: jobseeker, employer or admin")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aftionix/jobboard-realtime/client"
	"github.com/aftionix/jobboard-realtime/notify"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream a user's notifications to the terminal",
	Long: `Connects to the realtime channel with the given session token and prints
every notification as it arrives. Ctrl-C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		roleStr, _ := cmd.Flags().GetString("role")
		if token == "" {
			return fmt.Errorf("--token is required")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := client.New(viper.GetString("server"), notify.Role(roleStr), client.StaticToken(token),
			client.OnNotification(func(n notify.Notification) {
				fmt.Printf("[%s] %s %s: %s\n", n.CreatedAt.Format("15:04:05"), n.Type, n.Title, n.Message)
			}),
			client.OnCountHint(func(count int) {
				fmt.Printf("-- unread: %d\n", count)
			}),
			client.OnStateChange(func(s client.State) {
				fmt.Printf("-- %s\n", s)
			}),
		)
		defer c.Close()

		c.Connect(ctx)
		<-ctx.Done()
		return nil
	},
}

func init() {
	watchCmd.Flags().String("token", "", "session token (mint one with notifyctl token)")
	watchCmd.Flags().String("role", "jobseeker", "role used for display")
	rootCmd.AddCommand(watchCmd)
}

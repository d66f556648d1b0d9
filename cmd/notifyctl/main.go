package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "notifyctl",
	Short: "Realtime notification service CLI",
	Long:  `Operator tooling for the Aftionix realtime notification service: mint session tokens, publish notifications, and watch a user's live stream.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8090", "realtime service base URL")
	rootCmd.PersistentFlags().String("internal-key", "", "key for /internal endpoints")
	rootCmd.PersistentFlags().String("jwt-secret", "", "session token signing secret")
	viper.BindPFlags(rootCmd.PersistentFlags())
	viper.SetEnvPrefix("notifyctl")
	viper.AutomaticEnv()
}

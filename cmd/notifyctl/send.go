package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aftionix/jobboard-realtime/internal/dispatch"
	"github.com/aftionix/jobboard-realtime/notify"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish a notification through the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		userID, _ := cmd.Flags().GetString("user")
		email, _ := cmd.Flags().GetString("email")
		roleStr, _ := cmd.Flags().GetString("role")
		typeStr, _ := cmd.Flags().GetString("type")
		title, _ := cmd.Flags().GetString("title")
		message, _ := cmd.Flags().GetString("message")

		pub := dispatch.PublishCommand{
			Target: target,
			UserID: userID,
			Email:  email,
			Role:   notify.Role(roleStr),
			Notification: &notify.Notification{
				Type:    notify.Type(typeStr),
				Title:   title,
				Message: message,
			},
		}
		switch target {
		case "user":
			if userID == "" {
				return fmt.Errorf("--user is required for target user")
			}
		case "role":
			if !pub.Role.Valid() {
				return fmt.Errorf("--role is required for target role")
			}
		case "broadcast":
		default:
			return fmt.Errorf("unknown target %q (user, role or broadcast)", target)
		}

		return postInternal("/internal/notify", pub)
	},
}

var announceJobCmd = &cobra.Command{
	Use:   "announce-job",
	Short: "Announce a new job posting to jobseekers",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, _ := cmd.Flags().GetString("job")
		title, _ := cmd.Flags().GetString("title")
		company, _ := cmd.Flags().GetString("company")
		location, _ := cmd.Flags().GetString("location")
		if jobID == "" || title == "" || company == "" {
			return fmt.Errorf("--job, --title and --company are required")
		}

		return postInternal("/internal/notify", dispatch.PublishCommand{
			Target: "job",
			Job: &notify.JobSummary{
				ID:       jobID,
				Title:    title,
				Company:  company,
				Location: location,
			},
		})
	},
}

func postInternal(path string, payload any) error {
	key := viper.GetString("internal-key")
	if key == "" {
		return fmt.Errorf("--internal-key (or NOTIFYCTL_INTERNAL_KEY) is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, viper.GetString("server")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", key)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(raw))
	}
	fmt.Println(string(bytes.TrimSpace(raw)))
	return nil
}

func init() {
	sendCmd.Flags().String("target", "user", "delivery target: user, role or broadcast")
	sendCmd.Flags().String("user", "", "recipient user id")
	sendCmd.Flags().String("email", "", "recipient email for offline fallback")
	sendCmd.Flags().String("role", "", "recipient role")
	sendCmd.Flags().String("type", string(notify.TypeSystemAlert), "notification type")
	sendCmd.Flags().String("title", "", "notification title")
	sendCmd.Flags().String("message", "", "notification message")
	rootCmd.AddCommand(sendCmd)

	announceJobCmd.Flags().String("job", "", "job id")
	announceJobCmd.Flags().String("title", "", "job title")
	announceJobCmd.Flags().String("company", "", "company name")
	announceJobCmd.Flags().String("location", "", "job location")
	rootCmd.AddCommand(announceJobCmd)
}

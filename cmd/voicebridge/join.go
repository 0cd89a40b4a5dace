package main

import (
	"fmt"

	"github.com/loqalabs/voicebridge/internal/meeting"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join <meeting-url>",
	Short: "Validate a meeting link and show what the bot would join with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Meeting.URL = args[0]
		req, err := meeting.NewJoinRequest(cfg.Meeting)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "meeting number: %s\n", req.Link.MeetingNumber)
		fmt.Fprintf(out, "passcode:       %s\n", req.Link.Passcode)
		fmt.Fprintf(out, "user name:      %s\n", req.UserName)
		fmt.Fprintf(out, "leave url:      %s\n", req.LeaveURL)
		return nil
	},
}

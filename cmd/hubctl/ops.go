package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/hubclient/internal/api"
	"github.com/matheus3301/hubclient/internal/ctlclient"
)

var (
	opChatType   string
	decisionText string
	approverID   int64
	deleteAsk    bool
	deleteCancel bool
	typingStop   bool
	typingGroup  int64
)

func init() {
	for _, c := range []*cobra.Command{seenCmd, approveCmd, rejectCmd, askApprovalCmd, editCmd, reactCmd, deleteCmd} {
		c.Flags().StringVar(&opChatType, "type", "", "chat type, user or group (default: the stored message's)")
	}
	approveCmd.Flags().StringVar(&decisionText, "reply", "", "reply sent with the decision")
	rejectCmd.Flags().StringVar(&decisionText, "reply", "", "reply sent with the decision")
	askApprovalCmd.Flags().Int64Var(&approverID, "approver", 0, "ask one approver only")
	deleteCmd.Flags().BoolVar(&deleteAsk, "request", false, "ask the other party to agree to the deletion")
	deleteCmd.Flags().BoolVar(&deleteCancel, "cancel", false, "withdraw a pending delete request")
	typingCmd.Flags().BoolVar(&typingStop, "stop", false, "send a typing-stop indicator")
	typingCmd.Flags().Int64Var(&typingGroup, "group", 0, "group id when typing in a group")
	rootCmd.AddCommand(seenCmd, approveCmd, rejectCmd, askApprovalCmd, editCmd, reactCmd, deleteCmd, typingCmd)
}

func perform(req *api.PerformRequest, done string) error {
	if req.ChatType == "" {
		req.ChatType = opChatType
	}
	return withClient(func(ctx context.Context, c *ctlclient.Client) error {
		if _, err := c.Message.Perform(ctx, req); err != nil {
			return err
		}
		fmt.Println(done)
		return nil
	})
}

var seenCmd = &cobra.Command{
	Use:   "seen <message-id...>",
	Short: "Mark messages as seen",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &api.PerformRequest{Op: api.OpMarkSeen, MessageID: args[0]}
		if len(args) > 1 {
			req.MessageIDs = args
		}
		return perform(req, "Marked as seen.")
	},
}

func decide(approved bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		done := "Rejected."
		if approved {
			done = "Approved."
		}
		return perform(&api.PerformRequest{
			Op: api.OpApproval, MessageID: args[0], Approved: approved, Text: decisionText,
		}, done)
	}
}

var approveCmd = &cobra.Command{
	Use:   "approve <message-id>",
	Short: "Approve a message awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  decide(true),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <message-id>",
	Short: "Reject a message awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  decide(false),
}

var askApprovalCmd = &cobra.Command{
	Use:   "ask-approval <message-id>",
	Short: "Send a message for approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return perform(&api.PerformRequest{
			Op: api.OpSendForApprove, MessageID: args[0], ApproverID: approverID,
		}, "Sent for approval.")
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text...>",
	Short: "Edit the text of a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return perform(&api.PerformRequest{
			Op: api.OpModify, MessageID: args[0], Text: strings.Join(args[1:], " "),
		}, "Edited.")
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> [reaction]",
	Short: "React to a message; without a reaction the current one is cleared",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reaction := ""
		if len(args) == 2 {
			reaction = args[1]
		}
		return perform(&api.PerformRequest{Op: api.OpReact, MessageID: args[0], Reaction: reaction}, "Reaction set.")
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message, or request or cancel a deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch {
		case deleteAsk && deleteCancel:
			return fmt.Errorf("--request and --cancel are exclusive")
		case deleteAsk:
			return perform(&api.PerformRequest{Op: api.OpDeleteRequest, MessageID: args[0]}, "Delete requested.")
		case deleteCancel:
			return perform(&api.PerformRequest{Op: api.OpCancelDelete, MessageID: args[0]}, "Delete request withdrawn.")
		default:
			return perform(&api.PerformRequest{Op: api.OpDelete, MessageID: args[0]}, "Deleted.")
		}
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <user-id>",
	Short: "Send a typing indicator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		return perform(&api.PerformRequest{
			Op: api.OpTyping, To: to, GroupID: typingGroup, IsTyping: !typingStop,
		}, "Sent.")
	},
}

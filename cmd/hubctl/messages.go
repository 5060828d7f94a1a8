package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/hubclient/internal/api"
	"github.com/matheus3301/hubclient/internal/ctlclient"
	"github.com/matheus3301/hubclient/internal/store"
)

var (
	messagesLimit  int
	messagesBefore int64
	searchChat     string
	searchLimit    int
	sendGroup      bool
	sendReplyTo    string
	sendAttach     []string
)

func init() {
	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "maximum number of messages")
	messagesCmd.Flags().Int64Var(&messagesBefore, "before", 0, "only messages created before this unix-millis time")
	searchCmd.Flags().StringVar(&searchChat, "chat", "", "restrict the search to one chat")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "maximum number of results")
	sendCmd.Flags().BoolVar(&sendGroup, "group", false, "the chat id is a group")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to reply to")
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "file to attach (repeatable)")
	rootCmd.AddCommand(messagesCmd, searchCmd, sendCmd)
}

func printMessage(m store.Message) {
	from := m.SenderName
	if m.FromMe {
		from = "me"
	} else if from == "" {
		from = fmt.Sprint(m.SenderID)
	}
	flags := []string{m.Status}
	if m.IsApprovalNeeded {
		flags = append(flags, "awaiting approval")
	}
	if m.IsApproved {
		flags = append(flags, "approved")
	}
	if m.IsRejected {
		flags = append(flags, "rejected")
	}
	if m.IsDeleteRequest {
		flags = append(flags, "delete requested")
	}
	if m.Reaction != "" {
		flags = append(flags, m.Reaction)
	}
	body := m.Body
	if m.ParentText != "" {
		body = "> " + m.ParentText + "\n    " + body
	}
	for _, a := range m.Attachments {
		body += fmt.Sprintf(" [%s]", a.FileName)
	}
	fmt.Printf("%s  %-12s %s: %s  (%s)\n", m.ID, humanize.Time(time.UnixMilli(m.CreatedAt)), from, body, strings.Join(flags, ", "))
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "List stored messages of a chat, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ctlclient.Client) error {
			resp, err := c.Message.ListMessages(ctx, &api.ListMessagesRequest{
				ChatID: args[0], BeforeTs: messagesBefore, Limit: messagesLimit,
			})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Messages) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			for _, m := range resp.Messages {
				printMessage(m)
			}
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ctlclient.Client) error {
			resp, err := c.Message.SearchMessages(ctx, &api.SearchMessagesRequest{
				Query: strings.Join(args, " "), ChatID: searchChat, Limit: searchLimit,
			})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, r := range resp.Results {
				fmt.Printf("%-12s %s  %s\n", r.Message.ChatID, r.Message.ID, r.Snippet)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text...>",
	Short: "Send a message; it is queued while disconnected",
	Long:  "Send a message to a chat. Group chats are addressed as g:<group-id>, or by id with --group.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &api.SendMessageRequest{
			ChatID:  args[0],
			Group:   sendGroup,
			Text:    strings.Join(args[1:], " "),
			ReplyTo: sendReplyTo,
		}
		for _, path := range sendAttach {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read attachment: %w", err)
			}
			req.Files = append(req.Files, api.File{Name: filepath.Base(path), Data: data})
		}
		return withClient(func(ctx context.Context, c *ctlclient.Client) error {
			resp, err := c.Message.SendMessage(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("%s %s\n", resp.Message.ID, resp.Message.Status)
			return nil
		})
	},
}

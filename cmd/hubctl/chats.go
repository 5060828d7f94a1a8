package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matheus3301/hubclient/internal/api"
	"github.com/matheus3301/hubclient/internal/ctlclient"
)

var (
	chatsLimit  int
	chatsOffset int
)

func init() {
	chatsCmd.Flags().IntVarP(&chatsLimit, "limit", "n", 50, "maximum number of chats")
	chatsCmd.Flags().IntVar(&chatsOffset, "offset", 0, "number of chats to skip")
	rootCmd.AddCommand(chatsCmd, selectCmd, moreCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List recent chats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ctlclient.Client) error {
			resp, err := c.Chat.ListChats(ctx, &api.ListChatsRequest{Limit: chatsLimit, Offset: chatsOffset})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Chats) == 0 {
				fmt.Println("No chats.")
				return nil
			}
			for _, ch := range resp.Chats {
				kind := " "
				if ch.IsGroup {
					kind = "#"
				}
				unread := ""
				if ch.UnreadCount > 0 {
					unread = fmt.Sprintf(" (%d unread)", ch.UnreadCount)
				}
				when := ""
				if ch.LastMessageAt > 0 {
					when = humanize.Time(time.UnixMilli(ch.LastMessageAt))
				}
				fmt.Printf("%s %-12s %-24s %-14s %s%s\n", kind, ch.ChatID, ch.Name, when, ch.LastMessage, unread)
			}
			return nil
		})
	},
}

var selectCmd = &cobra.Command{
	Use:   "select [chat-id]",
	Short: "Open a chat; its history is loaded and unread count cleared",
	Long:  "Open a chat so its history is loaded and its unread count cleared. Without an argument the current chat is closed.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := ""
		if len(args) == 1 {
			chatID = args[0]
		}
		return withClient(func(ctx context.Context, c *ctlclient.Client) error {
			if _, err := c.Chat.SelectChat(ctx, &api.SelectChatRequest{ChatID: chatID}); err != nil {
				return err
			}
			if chatID == "" {
				fmt.Println("Chat closed.")
			} else {
				fmt.Printf("Selected %s.\n", chatID)
			}
			return nil
		})
	},
}

var moreCmd = &cobra.Command{
	Use:   "more [chat-id]",
	Short: "Load the next page of older messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &api.LoadMoreRequest{}
		if len(args) == 1 {
			req.ChatID = args[0]
		}
		return withClient(func(ctx context.Context, c *ctlclient.Client) error {
			resp, err := c.Chat.LoadMore(ctx, req)
			if err != nil {
				return err
			}
			if resp.Count == 0 {
				fmt.Println("No older messages.")
				return nil
			}
			fmt.Printf("Loaded %d messages.\n", resp.Count)
			return nil
		})
	},
}

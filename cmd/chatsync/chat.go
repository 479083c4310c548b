package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/driveshare/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	chatOtherName string
	chatOtherRole string
	chatConvID    string
	chatVehicleID string

	sendImage string

	readLimit  int
	watchLimit int
)

func addCounterpartFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&chatOtherName, "name", "", "counterpart display name")
	cmd.Flags().StringVar(&chatOtherRole, "role", "", "counterpart role")
	cmd.Flags().StringVar(&chatConvID, "conversation", "", "conversation id from a list entry")
	cmd.Flags().StringVar(&chatVehicleID, "vehicle", "", "vehicle the conversation is about")
}

func resolveRequest(s *session, otherID string) chatsync.ResolveRequest {
	return chatsync.ResolveRequest{
		Self:           s.self,
		Other:          chatsync.User{ID: otherID, Name: chatOtherName, Role: chatOtherRole},
		ConversationID: chatConvID,
		VehicleID:      chatVehicleID,
	}
}

// ============================================================================
// Commands
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <user-id> [text]",
	Short: "Send a message to a user",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := ""
		if len(args) == 2 {
			text = args[1]
		}

		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		conv, _, err := s.m.Resolve(ctx, resolveRequest(s, args[0]))
		if err != nil {
			return err
		}
		conv, err = s.m.Append(ctx, conv, chatsync.AppendRequest{Sender: s.self, Content: text, ImageURI: sendImage})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(conv.Messages[len(conv.Messages)-1])
		}
		fmt.Printf("Sent to %s in %s\n", conv.DisplayName(args[0]), conv.ID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <user-id>",
	Short: "Show the conversation with a user and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		conv, _, err := s.m.Resolve(ctx, resolveRequest(s, args[0]))
		if err != nil {
			return err
		}
		printed := conv
		if conv, err = s.m.MarkRead(ctx, conv, s.self.ID); err != nil {
			s.logger.Warn().Err(err).Msg("mark read failed")
		}
		if flagJSON {
			return printJSON(conv)
		}
		printThread(printed, s.self.ID, readLimit)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		convs, err := s.m.List(ctx, s.self.ID)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			other := c.Counterpart(s.self.ID)
			preview := ""
			if c.LastMessage != nil {
				preview = c.LastMessage.Content
			}
			unread := ""
			if n := c.UnreadCount(s.self.ID); n > 0 {
				unread = fmt.Sprintf(" [%d unread]", n)
			}
			fmt.Printf("%s  %-20s %s%s\n", c.LastMessageTimestamp.Local().Format("Jan 02 15:04"), c.DisplayName(other), truncate(preview, 48), unread)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <user-id>",
	Short: "Open a conversation and print updates until interrupted",
	Long: "Open the conversation thread with a user. Incoming messages are marked read\n" +
		"as they arrive. Lines typed on stdin are sent.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := s.m.OpenThread(ctx, resolveRequest(s, args[0]))
		if err != nil {
			return err
		}
		defer t.Close()

		conv := t.Conversation()
		fmt.Fprintf(os.Stderr, "Watching %s (%s, %s mode). Ctrl-C to quit.\n", conv.DisplayName(args[0]), conv.ID, t.Mode())
		printThread(conv, s.self.ID, watchLimit)
		seen := len(conv.Messages)

		lines := make(chan string)
		go scanLines(os.Stdin, lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case c, ok := <-t.Changes():
				if !ok {
					return nil
				}
				if len(c.Messages) > seen {
					for _, m := range c.Messages[seen:] {
						printMessage(c, m, s.self.ID)
					}
				}
				seen = len(c.Messages)
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				sctx, cancel := context.WithTimeout(ctx, commandTimeout)
				next, err := t.Send(sctx, line, "")
				cancel()
				if err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
					continue
				}
				seen = len(next.Messages)
			}
		}
	},
}

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Start a chat with a user from another flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		target := chatsync.ChatTarget{UserID: args[0], Name: chatOtherName, Role: chatOtherRole, VehicleID: chatVehicleID}
		if !s.m.InitiateChat(ctx, target) {
			return fmt.Errorf("could not start chat with %s", args[0])
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendImage, "image", "", "path or file:// URI of an image to attach")
	readCmd.Flags().IntVarP(&readLimit, "limit", "n", 50, "show at most this many recent messages")
	watchCmd.Flags().IntVarP(&watchLimit, "limit", "n", 20, "recent messages to show on open")
	for _, c := range []*cobra.Command{sendCmd, readCmd, watchCmd, startCmd} {
		addCounterpartFlags(c)
	}
	rootCmd.AddCommand(sendCmd, readCmd, listCmd, watchCmd, startCmd)
}

// ============================================================================
// Output helpers
// ============================================================================

func printThread(c *chatsync.Conversation, self string, limit int) {
	msgs := c.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if len(msgs) == 0 {
		fmt.Println("(no messages yet)")
		return
	}
	for _, m := range msgs {
		printMessage(c, m, self)
	}
}

func printMessage(c *chatsync.Conversation, m chatsync.Message, self string) {
	who := "you"
	if m.Sender != self {
		who = c.DisplayName(m.Sender)
	}
	body := m.Content
	if m.ImageURL != "" {
		if body != "" {
			body += " "
		}
		body += "[image " + m.ImageURL + "]"
	}
	fmt.Printf("%s  %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), who, body)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"classlink/pkg/types"
)

func newChatCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "chat PEER",
		Short: "Chat with another user; /older loads earlier history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, st, args[0])
		},
	}
}

func runChat(cmd *cobra.Command, st *cliState, peerUserID string) error {
	client, err := newClient(st)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conv, err := client.OpenConversation(ctx, peerUserID)
	if err != nil {
		return err
	}
	defer conv.Close()

	out := cmd.OutOrStdout()
	for _, m := range conv.Messages() {
		fmt.Fprintln(out, formatMessage(m))
	}
	cancel := conv.Observe(func(m *types.Message) { fmt.Fprintln(out, formatMessage(m)) })
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleChatLine(ctx, out, conv, line); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

type chatTarget interface {
	Send(ctx context.Context, draft types.Draft) (*types.Message, error)
	LoadOlder(ctx context.Context) (int, error)
}

func handleChatLine(ctx context.Context, out io.Writer, conv chatTarget, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/older":
		n, err := conv.LoadOlder(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "loaded %s older messages\n", humanize.Comma(int64(n)))
		return nil
	default:
		_, err := conv.Send(ctx, types.Draft{Text: line})
		return err
	}
}

func formatMessage(m *types.Message) string {
	var b strings.Builder
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	fmt.Fprintf(&b, "[%d] %s", m.ID, sender)
	if !m.CreatedAt.IsZero() {
		fmt.Fprintf(&b, " (%s)", humanize.Time(m.CreatedAt))
	}
	b.WriteString(": ")
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "↪ #%d ", m.ReplyTo.ID)
	}
	b.WriteString(m.Text)
	if a := m.Attachment; a != nil {
		fmt.Fprintf(&b, " [%s, %s]", a.Name, humanize.Bytes(uint64(a.Size)))
	}
	return b.String()
}

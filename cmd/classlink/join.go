package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"classlink/internal/backend"
	"classlink/internal/media"
	"classlink/internal/realtime"
	"classlink/internal/session"
)

func newJoinCmd(st *cliState) *cobra.Command {
	var audio, video bool
	cmd := &cobra.Command{
		Use:   "join ROOM",
		Short: "Join a room and print roster changes until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kinds []media.Kind
			if audio {
				kinds = append(kinds, media.KindAudio)
			}
			if video {
				kinds = append(kinds, media.KindVideo)
			}
			return runJoin(cmd, st, args[0], kinds)
		},
	}
	cmd.Flags().BoolVar(&audio, "audio", false, "capture the microphone")
	cmd.Flags().BoolVar(&video, "video", false, "capture the camera")
	return cmd
}

func newClient(st *cliState) (*realtime.Client, error) {
	identity, err := identityFromConfig(st.cfg.Identity)
	if err != nil {
		return nil, err
	}
	be, err := backend.New(st.cfg.Backend.BaseURL, identity.Credential, backend.WithTimeout(st.cfg.Backend.Timeout))
	if err != nil {
		return nil, err
	}
	return realtime.New(st.cfg, identity, be, realtime.WithLogger(st.logger))
}

func runJoin(cmd *cobra.Command, st *cliState, roomID string, kinds []media.Kind) error {
	client, err := newClient(st)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	room, err := client.JoinRoom(ctx, roomID, realtime.JoinOptions{Media: kinds})
	if err != nil {
		return err
	}
	defer room.Leave()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "joined %s as %s\n", roomID, room.SessionID())
	cancel := room.Observe(func(c session.Change) { printChange(out, c) })
	defer cancel()

	<-ctx.Done()
	return nil
}

func printChange(w io.Writer, c session.Change) {
	switch c.Kind {
	case session.ChangeAdded, session.ChangeUpdated:
		fmt.Fprintf(w, "%-8s %s\n", c.Kind, describeParticipant(c))
	case session.ChangeRemoved:
		fmt.Fprintf(w, "%-8s %s\n", c.Kind, c.SessionID)
	case session.ChangeCleared:
		fmt.Fprintln(w, "roster cleared")
	case session.ChangeStateChanged:
		fmt.Fprintf(w, "state    %s\n", c.State)
	case session.ChangeChat:
		fmt.Fprintf(w, "chat     %s: %s\n", c.SessionID, c.Text)
	}
}

func describeParticipant(c session.Change) string {
	p := c.Participant
	if p == nil {
		return c.SessionID
	}
	s := fmt.Sprintf("%s (%s)", p.DisplayName, p.Role)
	if p.DisplayName == "" {
		s = p.SessionID
	}
	if p.HandRaised {
		s += " ✋"
	}
	if p.Muted {
		s += " [muted]"
	}
	return s
}

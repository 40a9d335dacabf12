package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
)

var chatURL string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running server over WebSocket",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runChat(ctx, chatURL, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", envOr("Z_RELAY_WS_URL", "ws://localhost:8000/ws/chat"), "WebSocket endpoint of the server")
}

// runChat sends each input line as one message and prints the streamed
// reply until the turn ends.
func runChat(ctx context.Context, url string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", url)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	events := make(chan chat.Event)
	readErr := make(chan error, 1)
	go readEvents(ctx, conn, events, readErr)

	// Greeting: session_id then initial_message.
	for greeted := false; !greeted; {
		e, ok := <-events
		if !ok {
			return errors.Wrap(<-readErr, "read greeting")
		}
		switch e.Type {
		case chat.EventSessionID:
			fmt.Fprintf(out, "session %s\n", e.SessionID)
		case chat.EventInitialMessage:
			fmt.Fprintf(out, "assistant> %s\n", e.Content)
			greeted = true
		}
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}

		if err := conn.WriteJSON(map[string]string{"message": text}); err != nil {
			return errors.Wrap(err, "send message")
		}

		if err := printReply(out, events, readErr); err != nil {
			return err
		}
	}
}

// readEvents forwards server events until the connection fails or ctx ends.
func readEvents(ctx context.Context, conn *websocket.Conn, events chan<- chat.Event, readErr chan<- error) {
	defer close(events)
	for {
		var e chat.Event
		if err := conn.ReadJSON(&e); err != nil {
			readErr <- err
			return
		}
		select {
		case events <- e:
		case <-ctx.Done():
			return
		}
	}
}

func printReply(out io.Writer, events <-chan chat.Event, readErr <-chan error) error {
	started := false
	for {
		e, ok := <-events
		if !ok {
			return errors.Wrap(<-readErr, "connection closed")
		}
		switch e.Type {
		case chat.EventStream:
			if !started {
				fmt.Fprint(out, "assistant> ")
				started = true
			}
			fmt.Fprint(out, e.Content)
		case chat.EventStreamEnd:
			fmt.Fprintln(out)
			return nil
		case chat.EventError:
			if started {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "error> %s\n", e.Message)
			return nil
		}
	}
}

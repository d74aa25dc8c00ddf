package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/zulandar/hiredrive/internal/models"
	"github.com/zulandar/hiredrive/internal/relay"
	"golang.org/x/term"
)

// chatOpts configures an interactive chat session.
type chatOpts struct {
	URL        string
	Token      string
	BookingID  string
	UserID     string
	Name       string
	SenderType string
	Since      uint64
	// Drain bounds how long the client waits for its own messages to echo
	// back once input ends.
	Drain time.Duration
}

func newChatCmd() *cobra.Command {
	var o chatOpts

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a booking chat from the terminal",
		Long: `Connects to the relay, joins --booking as --user and sends each input line
as a message. Messages broadcast to the booking are printed as they arrive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !models.ValidSenderType(o.SenderType) {
				return fmt.Errorf("--type must be %s or %s", models.SenderCustomer, models.SenderDriver)
			}
			if o.Name == "" {
				o.Name = o.UserID
			}
			in := cmd.InOrStdin()
			prompt := in == os.Stdin && term.IsTerminal(int(os.Stdin.Fd()))
			return runChat(cmd.Context(), in, cmd.OutOrStdout(), prompt, o)
		},
	}

	cmd.Flags().StringVar(&o.URL, "url", "ws://localhost:5000/ws", "relay WebSocket URL")
	cmd.Flags().StringVar(&o.Token, "token", "", "bearer token (see hd token)")
	cmd.Flags().StringVar(&o.BookingID, "booking", "", "booking id to join (required)")
	cmd.Flags().StringVar(&o.UserID, "user", "", "your user id (required)")
	cmd.Flags().StringVar(&o.Name, "name", "", "display name (defaults to --user)")
	cmd.Flags().StringVar(&o.SenderType, "type", models.SenderCustomer, "sender type (customer, driver)")
	cmd.Flags().Uint64Var(&o.Since, "since", 0, "request history after this sequence number")
	cmd.Flags().DurationVar(&o.Drain, "drain", 2*time.Second, "wait for pending messages on exit")
	cmd.MarkFlagRequired("booking")
	cmd.MarkFlagRequired("user")
	return cmd
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, prompt bool, o chatOpts) error {
	header := http.Header{}
	if o.Token != "" {
		header.Set("Authorization", "Bearer "+o.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, o.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", o.URL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", o.URL, err)
	}
	defer conn.Close()

	join := relay.Inbound{Type: relay.TypeJoin, BookingID: o.BookingID, UserID: o.UserID, Since: o.Since}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Fprintf(out, "Joined booking %s as %s (%s). Type a message and press enter.\n", o.BookingID, o.Name, o.SenderType)

	echoed := make(chan struct{}, 64)
	readDone := make(chan error, 1)
	go func() { readDone <- readFrames(conn, out, o.UserID, echoed) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	pending := 0
	if prompt {
		fmt.Fprint(out, "> ")
	}
	for {
		select {
		case <-ctx.Done():
			return closeChat(conn, readDone, o.Drain)
		case err := <-readDone:
			return err
		case <-echoed:
			pending--
		case line, ok := <-lines:
			if !ok {
				waitEchoes(echoed, pending, o.Drain)
				return closeChat(conn, readDone, o.Drain)
			}
			if line == "" {
				continue
			}
			frame := relay.Inbound{
				Type:       relay.TypeMessage,
				BookingID:  o.BookingID,
				SenderID:   o.UserID,
				SenderType: o.SenderType,
				SenderName: o.Name,
				Message:    line,
			}
			if err := conn.WriteJSON(frame); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			pending++
			if prompt {
				fmt.Fprint(out, "> ")
			}
		}
	}
}

func waitEchoes(echoed <-chan struct{}, pending int, timeout time.Duration) {
	deadline := time.After(timeout)
	for pending > 0 {
		select {
		case <-echoed:
			pending--
		case <-deadline:
			return
		}
	}
}

// closeChat sends a close frame and waits for the server to close its side.
func closeChat(conn *websocket.Conn, readDone <-chan error, timeout time.Duration) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout)); err != nil {
		return nil
	}
	select {
	case err := <-readDone:
		return err
	case <-time.After(timeout):
		return nil
	}
}

// chatFrame mirrors relay.Outbound with the payload left undecoded.
type chatFrame struct {
	Type  string            `json:"type"`
	Data  json.RawMessage   `json:"data"`
	Error *relay.FrameError `json:"error"`
}

func readFrames(conn *websocket.Conn, out io.Writer, self string, echoed chan<- struct{}) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var f chatFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			fmt.Fprintf(out, "! unreadable frame: %s\n", raw)
			continue
		}
		switch f.Type {
		case relay.TypeMessage:
			var m models.Message
			if err := json.Unmarshal(f.Data, &m); err != nil {
				continue
			}
			printMessage(out, m)
			if m.SenderID == self {
				select {
				case echoed <- struct{}{}:
				default:
				}
			}
		case relay.TypeHistory:
			var msgs []models.Message
			if err := json.Unmarshal(f.Data, &msgs); err != nil {
				continue
			}
			if len(msgs) > 0 {
				fmt.Fprintf(out, "--- %d earlier messages ---\n", len(msgs))
			}
			for _, m := range msgs {
				printMessage(out, m)
			}
		case relay.TypeError:
			if f.Error != nil {
				fmt.Fprintf(out, "! %s: %s\n", f.Error.Code, f.Error.Message)
			}
		}
	}
}

func printMessage(out io.Writer, m models.Message) {
	fmt.Fprintf(out, "[%s] %s (%s): %s\n",
		m.CreatedAt.Local().Format("15:04"), senderLabel(m.SenderName, m.SenderID), m.SenderType, m.Text)
}

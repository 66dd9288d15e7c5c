package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const disconnectWait = 5 * time.Second

func tailCmd() *cobra.Command {
	var (
		url       string
		stateFile string
		fromStart bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Subscribe to a scores-ws server and print scores as JSON lines",
		Long: `Subscribe to a scores-ws server and print every score to stdout, one JSON
document per line.

On interrupt the last received score id is saved to the state file, and the
next run resumes right after it. Without a state file the stream starts live,
or from the oldest retained score with --from-start.

Examples:
  # Follow live scores
  scores-ws tail --url ws://localhost:7277/ws

  # Replay everything the server still holds, then follow
  scores-ws tail --from-start --state ./tail.state`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tail(cmd.Context(), url, stateFile, fromStart, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:7277/ws", "server websocket URL")
	cmd.Flags().StringVar(&stateFile, "state", ".scores-ws.state", "file holding the resume id")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "replay all retained scores when there is no saved state")

	return cmd
}

// serverMessage covers every frame the server sends: a score, a resume id
// after disconnect, or an error before close.
type serverMessage struct {
	ID       *uint64 `json:"id"`
	ResumeID *uint64 `json:"resume_id"`
	Error    string  `json:"error"`
	Code     string  `json:"code"`
}

func tail(ctx context.Context, url, stateFile string, fromStart bool, out io.Writer) error {
	initial, err := initialCommand(stateFile, fromStart)
	if err != nil {
		return err
	}

	// Joining live takes a bookmark first: an initial "disconnect" returns
	// the newest id without streaming anything.
	if initial == "" {
		bookmark, err := exchange(ctx, url, "disconnect")
		if err != nil {
			return fmt.Errorf("fetching live bookmark: %w", err)
		}
		initial = strconv.FormatUint(bookmark, 10)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(initial)); err != nil {
		return fmt.Errorf("sending initial message: %w", err)
	}
	logger.Info("subscribed", zap.String("url", url), zap.String("initial", initial))

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	var last *uint64
	if id, err := strconv.ParseUint(initial, 10, 64); err == nil {
		last = &id
	}
	disconnecting := false
	var deadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			disconnecting = true
			deadline = time.After(disconnectWait)
			// The next frame after this is the resume id.
			if err := conn.WriteMessage(websocket.TextMessage, []byte("disconnect")); err != nil {
				return saveLast(stateFile, last)
			}
			// Stop watching ctx; a nil Done channel never fires.
			ctx = context.Background()

		case <-deadline:
			logger.Warn("no resume id from server, saving last received id")
			return saveLast(stateFile, last)

		case err := <-readErr:
			if saveErr := saveLast(stateFile, last); saveErr != nil {
				return saveErr
			}
			if disconnecting || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)

		case data := <-frames:
			var msg serverMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("undecodable frame", zap.Error(err))
				continue
			}

			switch {
			case msg.ResumeID != nil:
				logger.Info("disconnected", zap.Uint64("resumeID", *msg.ResumeID))
				return saveLast(stateFile, msg.ResumeID)

			case msg.Code != "":
				if err := saveLast(stateFile, last); err != nil {
					return err
				}
				return fmt.Errorf("server closed stream: %s (%s)", msg.Error, msg.Code)

			default:
				if _, err := fmt.Fprintln(out, string(data)); err != nil {
					return err
				}
				if msg.ID != nil {
					id := *msg.ID
					last = &id
				}
			}
		}
	}
}

// exchange sends a single command and returns the resume id in the reply.
func exchange(ctx context.Context, url, command string) (uint64, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(command)); err != nil {
		return 0, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(disconnectWait))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return 0, err
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, err
	}
	if msg.ResumeID == nil {
		return 0, fmt.Errorf("unexpected reply: %s", data)
	}
	return *msg.ResumeID, nil
}

// initialCommand picks the first message to send: the saved resume id,
// "connect" for a full replay, or "" to join live.
func initialCommand(stateFile string, fromStart bool) (string, error) {
	data, err := os.ReadFile(stateFile)
	switch {
	case err == nil:
		text := strings.TrimSpace(string(data))
		if _, err := strconv.ParseUint(text, 10, 64); err != nil {
			return "", fmt.Errorf("state file %s: invalid resume id %q", stateFile, text)
		}
		return text, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("reading state file: %w", err)
	case fromStart:
		return "connect", nil
	default:
		return "", nil
	}
}

// saveLast writes id to the state file. With no id nothing is written.
func saveLast(stateFile string, id *uint64) error {
	if id == nil {
		return nil
	}

	tmp := filepath.Join(filepath.Dir(stateFile), "."+filepath.Base(stateFile)+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(*id, 10)+"\n"), 0644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, stateFile); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	logger.Info("resume id saved", zap.String("file", stateFile), zap.Uint64("resumeID", *id))
	return nil
}

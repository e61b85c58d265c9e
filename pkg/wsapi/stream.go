package wsapi

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/icotes/icotes/pkg/hop"
)

// Stream adapts a WebSocket to the terminal bridge contract. Terminal
// bytes travel as binary messages; in-band control frames such as
// resize requests stay text on the wire but the reader does not care.
type Stream struct {
	sock *websocket.Conn
}

// NewStream wraps an accepted WebSocket.
func NewStream(sock *websocket.Conn) *Stream {
	return &Stream{sock: sock}
}

// AcceptStream upgrades the request and wraps it.
func AcceptStream(w http.ResponseWriter, r *http.Request) (*Stream, error) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return nil, err
	}
	return &Stream{sock: sock}, nil
}

func (s *Stream) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.sock.Read(ctx)
	return data, err
}

func (s *Stream) Write(ctx context.Context, data []byte) error {
	return s.sock.Write(ctx, websocket.MessageBinary, data)
}

func (s *Stream) Close(reason string) error {
	return s.sock.Close(websocket.StatusNormalClosure, reason)
}

var _ hop.TerminalStream = (*Stream)(nil)

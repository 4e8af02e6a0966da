package server

import (
	"context"

	"github.com/coder/websocket"

	"github.com/MrWong99/echolink/internal/conn"
)

var _ conn.Socket = (*wsSocket)(nil)

// wsSocket adapts a coder/websocket connection to the handler's Socket
// interface.
type wsSocket struct {
	c *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) (conn.MessageKind, []byte, error) {
	typ, data, err := s.c.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return conn.KindBinary, data, nil
	}
	return conn.KindText, data, nil
}

func (s *wsSocket) Write(ctx context.Context, kind conn.MessageKind, data []byte) error {
	typ := websocket.MessageText
	if kind == conn.KindBinary {
		typ = websocket.MessageBinary
	}
	return s.c.Write(ctx, typ, data)
}

func (s *wsSocket) Close(reason string) error {
	return s.c.Close(websocket.StatusNormalClosure, reason)
}

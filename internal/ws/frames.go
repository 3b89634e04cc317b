package ws

import (
	pkgerrors "github.com/parleyhq/parley/pkg/errors"
	"github.com/parleyhq/parley/pkg/types"
)

// Frame types. Inbound frames carry client requests; outbound frames carry
// exactly one of the payload fields matching their type.
const (
	frameTypeMessage   = "message"
	frameTypeConnected = "connected"
	frameTypeReply     = "reply"
	frameTypeChunk     = "chunk"
	frameTypeError     = "error"
)

// clientFrame is what clients send over the socket.
type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Stream  bool   `json:"stream,omitempty"`
}

// serverFrame is what the server sends. Fields irrelevant to Type stay
// empty and are omitted from the wire.
type serverFrame struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"session_id,omitempty"`
	Resumed    bool               `json:"resumed,omitempty"`
	History    []types.Message    `json:"history,omitempty"`
	Completion *types.Completion  `json:"completion,omitempty"`
	Chunk      *types.StreamChunk `json:"chunk,omitempty"`
	Error      *pkgerrors.Payload `json:"error,omitempty"`
}

func connectedFrame(sessionID string, resumed bool, history []types.Message) serverFrame {
	return serverFrame{
		Type:      frameTypeConnected,
		SessionID: sessionID,
		Resumed:   resumed,
		History:   history,
	}
}

func replyFrame(completion *types.Completion) serverFrame {
	return serverFrame{Type: frameTypeReply, Completion: completion}
}

func chunkFrame(chunk *types.StreamChunk) serverFrame {
	return serverFrame{Type: frameTypeChunk, Chunk: chunk}
}

func errorFrame(payload pkgerrors.Payload) serverFrame {
	return serverFrame{Type: frameTypeError, Error: &payload}
}

package gamewire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format constants.
const (
	// headerSize is the fixed size of the frame header: a 16-bit message id
	// followed by a 32-bit payload length, both big-endian.
	headerSize = 6
)

// Framing errors.
var (
	// ErrPayloadTooLarge is returned by Send when the encoded frame would not
	// fit in the connection's send buffer.
	ErrPayloadTooLarge = errors.New("gamewire: payload too large")

	// ErrFrameTooLarge is reported when a peer declares a payload length that
	// can never fit in the receive buffer. The connection is torn down; waiting
	// for more data would hang forever.
	ErrFrameTooLarge = errors.New("gamewire: declared frame too large")

	// errIncompleteFrame signals that the buffer does not yet hold a complete
	// frame. This is a normal stream condition, not a failure.
	errIncompleteFrame = errors.New("gamewire: incomplete frame")
)

// Message is one framed unit on the wire: a 16-bit type id and an opaque
// payload. The core never interprets payload contents; ids are routing keys
// for the consumer.
type Message struct {
	ID      uint16
	Payload []byte
}

// String returns a log-friendly rendering, e.g. "MAKE_MOVE[10]".
func (m Message) String() string {
	return fmt.Sprintf("%s[%d]", MessageName(m.ID), len(m.Payload))
}

// encodeFrame writes one complete frame for id and payload into dst and
// returns the number of bytes written. dst must hold at least
// headerSize+len(payload) bytes; callers validate capacity first.
func encodeFrame(dst []byte, id uint16, payload []byte) int {
	binary.BigEndian.PutUint16(dst[0:2], id)
	binary.BigEndian.PutUint32(dst[2:6], uint32(len(payload)))
	copy(dst[headerSize:], payload)
	return headerSize + len(payload)
}

// decodeOne extracts the first complete frame from buf.
//
// Returns:
//   - (Message, consumed, nil): one frame decoded; the caller must discard
//     exactly consumed bytes from the front of buf
//   - errIncompleteFrame: buf holds less than a full frame; wait for more data
//   - ErrFrameTooLarge: the declared payload length exceeds max-headerSize and
//     no amount of future data can complete the frame
//
// decodeOne is a pure function of buf; it performs no I/O. The payload is
// copied out so the caller may compact buf immediately.
func decodeOne(buf []byte, max int) (Message, int, error) {
	if len(buf) < headerSize {
		return Message{}, 0, errIncompleteFrame
	}

	id := binary.BigEndian.Uint16(buf[0:2])
	length := binary.BigEndian.Uint32(buf[2:6])
	if length > uint32(max-headerSize) {
		return Message{}, 0, ErrFrameTooLarge
	}

	total := headerSize + int(length)
	if len(buf) < total {
		return Message{}, 0, errIncompleteFrame
	}

	payload := make([]byte, length)
	copy(payload, buf[headerSize:total])

	return Message{ID: id, Payload: payload}, total, nil
}

// hasFrame reports whether buf already holds one complete frame, or an
// oversize declaration that the next decode pass must fault on. It is the
// cheap peek behind the per-cycle drain cap; no payload is copied.
func hasFrame(buf []byte, max int) bool {
	if len(buf) < headerSize {
		return false
	}

	length := binary.BigEndian.Uint32(buf[2:6])
	if length > uint32(max-headerSize) {
		return true
	}
	return len(buf) >= headerSize+int(length)
}

// Client to server message ids.
const (
	MsgRegister         uint16 = 0x0001
	MsgLogin            uint16 = 0x0002
	MsgGetOnlineUsers   uint16 = 0x0003
	MsgFindMatch        uint16 = 0x0010
	MsgCancelFindMatch  uint16 = 0x0011
	MsgFindAIMatch      uint16 = 0x0012
	MsgMakeMove         uint16 = 0x0020
	MsgResign           uint16 = 0x0021
	MsgOfferDraw        uint16 = 0x0022
	MsgAcceptDraw       uint16 = 0x0023
	MsgDeclineDraw      uint16 = 0x0024
	MsgChallenge        uint16 = 0x0025
	MsgAcceptChallenge  uint16 = 0x0026
	MsgDeclineChallenge uint16 = 0x0027
	MsgGetStats         uint16 = 0x0030
	MsgGetHistory       uint16 = 0x0031
	MsgGetReplay        uint16 = 0x0032
)

// Server to client message ids.
const (
	MsgRegisterResult    uint16 = 0x1001
	MsgLoginResult       uint16 = 0x1002
	MsgUserStatusUpdate  uint16 = 0x1003
	MsgOnlineUsersList   uint16 = 0x1004
	MsgMatchFound        uint16 = 0x1100
	MsgGameStart         uint16 = 0x1101
	MsgGameStateUpdate   uint16 = 0x1200
	MsgInvalidMove       uint16 = 0x1201
	MsgGameOver          uint16 = 0x1202
	MsgDrawOfferReceived uint16 = 0x1203
	MsgDrawOfferDeclined uint16 = 0x1204
	MsgChallengeReceived uint16 = 0x1205
	MsgChallengeAccepted uint16 = 0x1206
	MsgChallengeDeclined uint16 = 0x1207
	MsgStatsResponse     uint16 = 0x1300
	MsgHistoryResponse   uint16 = 0x1301
	MsgReplayData        uint16 = 0x1302
)

var messageNames = map[uint16]string{
	MsgRegister:         "REGISTER",
	MsgLogin:            "LOGIN",
	MsgGetOnlineUsers:   "GET_ONLINE_USERS",
	MsgFindMatch:        "FIND_MATCH",
	MsgCancelFindMatch:  "CANCEL_FIND_MATCH",
	MsgFindAIMatch:      "FIND_AI_MATCH",
	MsgMakeMove:         "MAKE_MOVE",
	MsgResign:           "RESIGN",
	MsgOfferDraw:        "OFFER_DRAW",
	MsgAcceptDraw:       "ACCEPT_DRAW",
	MsgDeclineDraw:      "DECLINE_DRAW",
	MsgChallenge:        "CHALLENGE",
	MsgAcceptChallenge:  "ACCEPT_CHALLENGE",
	MsgDeclineChallenge: "DECLINE_CHALLENGE",
	MsgGetStats:         "GET_STATS",
	MsgGetHistory:       "GET_HISTORY",
	MsgGetReplay:        "GET_REPLAY",

	MsgRegisterResult:    "REGISTER_RESULT",
	MsgLoginResult:       "LOGIN_RESULT",
	MsgUserStatusUpdate:  "USER_STATUS_UPDATE",
	MsgOnlineUsersList:   "ONLINE_USERS_LIST",
	MsgMatchFound:        "MATCH_FOUND",
	MsgGameStart:         "GAME_START",
	MsgGameStateUpdate:   "GAME_STATE_UPDATE",
	MsgInvalidMove:       "INVALID_MOVE",
	MsgGameOver:          "GAME_OVER",
	MsgDrawOfferReceived: "DRAW_OFFER_RECEIVED",
	MsgDrawOfferDeclined: "DRAW_OFFER_DECLINED",
	MsgChallengeReceived: "CHALLENGE_RECEIVED",
	MsgChallengeAccepted: "CHALLENGE_ACCEPTED",
	MsgChallengeDeclined: "CHALLENGE_DECLINED",
	MsgStatsResponse:     "STATS_RESPONSE",
	MsgHistoryResponse:   "HISTORY_RESPONSE",
	MsgReplayData:        "REPLAY_DATA",
}

// MessageName returns the symbolic name for a message id, or "UNKNOWN" for
// ids outside the registry. Unknown ids are not an error: the core delivers
// them like any other message and leaves interpretation to the consumer.
func MessageName(id uint16) string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return "UNKNOWN"
}

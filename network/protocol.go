package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame size (2 MB). Chunk
	// payloads are base64-encoded inside the frame, so this bounds the
	// usable chunk size well above the default.
	MaxFrameSize = 2 * 1024 * 1024
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Command and push types.
const (
	TypeAuth             = "auth"
	TypeRegister         = "register"
	TypeSend             = "send"
	TypeCreateRoom       = "create_room"
	TypeJoinRoom         = "join_room"
	TypeListRooms        = "list_rooms"
	TypeHistory          = "history"
	TypeUploadStart      = "upload_start"
	TypeUploadChunk      = "upload_chunk"
	TypeUploadComplete   = "upload_complete"
	TypeDownloadStart    = "download_start"
	TypeDownloadChunk    = "download_chunk"
	TypeTransferResume   = "transfer_resume"
	TypeTransferCancel   = "transfer_cancel"
	TypeListFiles        = "list_files"
	TypeLogout           = "logout"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeOK               = "ok"
	TypeError            = "error"
	TypeMessageDelivery  = "message"
	TypeAuthResponse     = "auth_response"
	TypeSendResponse     = "send_response"
	TypeRoomResponse     = "room_response"
	TypeRoomList         = "room_list"
	TypeHistoryResponse  = "history_response"
	TypeUploadHandle     = "upload_handle"
	TypeChunkAck         = "chunk_ack"
	TypeUploadResult     = "upload_result"
	TypeDownloadHandle   = "download_handle"
	TypeChunkData        = "chunk_data"
	TypeResumeResponse   = "resume_response"
	TypeFileList         = "file_list"
)

// Wire error codes.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeAccountLocked    = "ACCOUNT_LOCKED"
	CodeUserExists       = "USER_EXISTS"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeNotAMember       = "NOT_A_MEMBER"
	CodeRoomNotFound     = "ROOM_NOT_FOUND"
	CodeRoomExists       = "ROOM_EXISTS"
	CodeUnknownRecipient = "UNKNOWN_RECIPIENT"
	CodeFileRejected     = "FILE_REJECTED"
	CodeFileUnavailable  = "FILE_UNAVAILABLE"
	CodeUnknownTransfer  = "UNKNOWN_TRANSFER"
	CodeOffsetOutOfOrder = "OFFSET_OUT_OF_ORDER"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeTransferTerminal = "TRANSFER_TERMINAL"
	CodeSizeExceeded     = "SIZE_EXCEEDED"
	CodeIncomplete       = "TRANSFER_INCOMPLETE"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternal         = "INTERNAL"
)

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the frame type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Frame is the outer wire structure. Unauthenticated commands carry
// their payload in Payload; after login the payload JSON is sealed with
// the shared server key and carried base64-encoded in Sealed.
type Frame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Sealed  string          `json:"sealed,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthRequest logs a user in. DeviceID is optional.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse carries the session token on success.
type AuthResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// SendRequest routes one chat message. RoomID selects a room context;
// an empty RoomID is the global context unless Text starts with
// "@user ", which routes privately.
type SendRequest struct {
	RoomID string `json:"room_id,omitempty"`
	Text   string `json:"text"`
}

// SendResponse acknowledges a routed message.
type SendResponse struct {
	MessageID string `json:"message_id"`
	Context   string `json:"context"`
	Recipient string `json:"recipient,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// CreateRoomRequest makes a new room.
type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// JoinRoomRequest adds the caller to a room.
type JoinRoomRequest struct {
	RoomID string `json:"room_id"`
}

// RoomResponse describes one room.
type RoomResponse struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by"`
	MemberCount int    `json:"member_count,omitempty"`
}

// RoomListResponse lists all rooms.
type RoomListResponse struct {
	Rooms []RoomResponse `json:"rooms"`
}

// HistoryRequest fetches recent messages. With a RoomID, the room
// context; with a With user, the private context; neither means global.
type HistoryRequest struct {
	RoomID string `json:"room_id,omitempty"`
	With   string `json:"with,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// HistoryEntry is one decrypted history message.
type HistoryEntry struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// HistoryResponse carries history entries oldest first.
type HistoryResponse struct {
	Messages []HistoryEntry `json:"messages"`
}

// MessageDelivery is a pushed chat message.
type MessageDelivery struct {
	MessageID string `json:"message_id"`
	Context   string `json:"context"`
	RoomID    string `json:"room_id,omitempty"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// UploadStartRequest begins an upload.
type UploadStartRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
}

// UploadHandleResponse tells the client how to drive the upload.
type UploadHandleResponse struct {
	TransferID  string `json:"transfer_id"`
	FileID      string `json:"file_id"`
	ChunkSize   int    `json:"chunk_size"`
	AckedOffset int64  `json:"acked_offset"`
}

// UploadChunkRequest carries one base64-encoded chunk.
type UploadChunkRequest struct {
	TransferID string `json:"transfer_id"`
	Offset     int64  `json:"offset"`
	Data       string `json:"data"`
	Checksum   string `json:"checksum"`
}

// ChunkAckResponse acknowledges received bytes.
type ChunkAckResponse struct {
	TransferID  string `json:"transfer_id"`
	AckedOffset int64  `json:"acked_offset"`
}

// UploadCompleteRequest finalizes an upload. ContentHash is the SHA-256
// of the whole file.
type UploadCompleteRequest struct {
	TransferID  string `json:"transfer_id"`
	ContentHash string `json:"content_hash"`
}

// UploadResultResponse reports the screening outcome.
type UploadResultResponse struct {
	FileID   string `json:"file_id"`
	Verdict  string `json:"verdict"`
	Stage    string `json:"stage,omitempty"`
	Reason   string `json:"reason,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
}

// DownloadStartRequest opens a download for a published file.
type DownloadStartRequest struct {
	FileID string `json:"file_id"`
}

// DownloadHandleResponse tells the client how to drive the download.
type DownloadHandleResponse struct {
	TransferID string `json:"transfer_id"`
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int    `json:"chunk_size"`
}

// DownloadChunkRequest asks for the chunk at Offset.
type DownloadChunkRequest struct {
	TransferID string `json:"transfer_id"`
	Offset     int64  `json:"offset"`
	Length     int    `json:"length,omitempty"`
}

// ChunkDataResponse carries one base64-encoded download chunk.
type ChunkDataResponse struct {
	TransferID string `json:"transfer_id"`
	Offset     int64  `json:"offset"`
	Data       string `json:"data"`
	Checksum   string `json:"checksum"`
	Last       bool   `json:"last"`
}

// TransferResumeRequest reactivates an interrupted transfer.
type TransferResumeRequest struct {
	TransferID string `json:"transfer_id"`
}

// ResumeResponse tells the client where to continue from.
type ResumeResponse struct {
	TransferID  string `json:"transfer_id"`
	AckedOffset int64  `json:"acked_offset"`
}

// TransferCancelRequest abandons a transfer.
type TransferCancelRequest struct {
	TransferID string `json:"transfer_id"`
}

// FileEntry is one visible file record.
type FileEntry struct {
	FileID       string `json:"file_id"`
	Filename     string `json:"filename"`
	Owner        string `json:"owner"`
	Size         int64  `json:"size"`
	Verdict      string `json:"verdict"`
	ScanStage    string `json:"scan_stage,omitempty"`
	ScanReason   string `json:"scan_reason,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	UploadedAt   int64  `json:"uploaded_at"`
	Downloadable bool   `json:"downloadable"`
}

// FileListResponse lists visible files.
type FileListResponse struct {
	Files []FileEntry `json:"files"`
}

// ErrorResponse is the typed failure payload.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// DecodeFrame parses the outer frame structure.
func DecodeFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Type == "" {
		return nil, ErrInvalidMessageType
	}
	return &frame, nil
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(frame Frame) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

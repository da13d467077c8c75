package network

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"voidlink/auth"
	"voidlink/crypto"
	"voidlink/router"
	"voidlink/storage"
	"voidlink/transfer"
)

// dispatch decodes one frame and runs its command. Unauthenticated
// commands carry plaintext payloads; everything else requires a live
// session token and a payload sealed with the shared server key.
// Command failures answer with a typed error and keep the connection
// open.
func (c *clientConn) dispatch(frame *Frame) {
	switch frame.Type {
	case TypePing:
		c.sendPlain(TypePong, nil)
	case TypeAuth:
		c.handleAuth(frame)
	case TypeRegister:
		c.handleRegister(frame)
	default:
		c.dispatchAuthenticated(frame)
	}
}

func (c *clientConn) dispatchAuthenticated(frame *Frame) {
	session, err := c.server.deps.Sessions.Lookup(frame.Token)
	if err != nil {
		c.sendCommandError(frame.Type, err)
		return
	}
	if current := c.currentSession(); current == nil || current.Token != session.Token {
		// Token minted on another connection; sessions are bound to the
		// connection that created them.
		c.sendError(frame.Type, CodeNotAuthenticated, "session does not belong to this connection", "")
		return
	}

	payload, err := c.openPayload(frame)
	if err != nil {
		c.sendError(frame.Type, CodeBadRequest, "unreadable payload", "")
		return
	}

	switch frame.Type {
	case TypeSend:
		c.handleSend(session, payload)
	case TypeCreateRoom:
		c.handleCreateRoom(session, payload)
	case TypeJoinRoom:
		c.handleJoinRoom(session, payload)
	case TypeListRooms:
		c.handleListRooms(session)
	case TypeHistory:
		c.handleHistory(session, payload)
	case TypeUploadStart:
		c.handleUploadStart(session, payload)
	case TypeUploadChunk:
		c.handleUploadChunk(session, payload)
	case TypeUploadComplete:
		c.handleUploadComplete(session, payload)
	case TypeDownloadStart:
		c.handleDownloadStart(session, payload)
	case TypeDownloadChunk:
		c.handleDownloadChunk(session, payload)
	case TypeTransferResume:
		c.handleTransferResume(session, payload)
	case TypeTransferCancel:
		c.handleTransferCancel(session, payload)
	case TypeListFiles:
		c.handleListFiles(session)
	case TypeLogout:
		c.handleLogout(session)
	default:
		c.sendError(frame.Type, CodeBadRequest, fmt.Sprintf("unknown command %q", frame.Type), "")
	}
}

func (c *clientConn) handleAuth(frame *Frame) {
	var req AuthRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.sendError(TypeAuth, CodeBadRequest, "malformed auth payload", "")
		return
	}

	account, err := c.server.deps.Accounts.VerifyCredentials(req.Username, req.Password)
	if err != nil {
		c.sendCommandError(TypeAuth, err)
		return
	}
	if req.DeviceID != "" {
		if err := c.server.deps.Accounts.RegisterDevice(account.Username, req.DeviceID); err != nil {
			logrus.WithError(err).Warn("register device")
		}
	}

	session, err := c.server.deps.Sessions.Create(account.Username, account.Role, c.id)
	if err != nil {
		c.sendCommandError(TypeAuth, err)
		return
	}
	c.attachSession(session)

	c.sendPlain(TypeAuthResponse, AuthResponse{
		Token:    session.Token,
		Username: account.Username,
		Role:     account.Role,
	})
}

func (c *clientConn) handleRegister(frame *Frame) {
	var req RegisterRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		c.sendError(TypeRegister, CodeBadRequest, "malformed register payload", "")
		return
	}
	if err := c.server.deps.Accounts.Register(req.Username, req.Password); err != nil {
		c.sendCommandError(TypeRegister, err)
		return
	}
	c.sendPlain(TypeOK, nil)
}

func (c *clientConn) handleSend(session *auth.Session, payload []byte) {
	var req SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeSend, CodeBadRequest, "malformed send payload", "")
		return
	}
	if req.Text == "" {
		c.sendError(TypeSend, CodeBadRequest, "message text must not be empty", "")
		return
	}

	var delivery *router.Delivery
	var err error
	if recipient, body, ok := router.ParseDirected(req.Text); ok && req.RoomID == "" {
		delivery, err = c.server.deps.Router.SendPrivate(session.Username, recipient, body)
	} else if req.RoomID != "" {
		delivery, err = c.server.deps.Router.SendRoom(session.Username, req.RoomID, req.Text)
	} else {
		delivery, err = c.server.deps.Router.SendGlobal(session.Username, req.Text)
	}
	if err != nil {
		c.sendCommandError(TypeSend, err)
		return
	}

	c.sendSealed(TypeSendResponse, SendResponse{
		MessageID: delivery.MessageID,
		Context:   delivery.Context,
		Recipient: delivery.Recipient,
		Timestamp: delivery.Timestamp,
	})
}

func (c *clientConn) handleCreateRoom(session *auth.Session, payload []byte) {
	var req CreateRoomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeCreateRoom, CodeBadRequest, "malformed create_room payload", "")
		return
	}
	room, err := c.server.deps.Router.CreateRoom(session.Username, req.Name, req.Description)
	if err != nil {
		c.sendCommandError(TypeCreateRoom, err)
		return
	}
	c.sendSealed(TypeRoomResponse, RoomResponse{
		RoomID:      room.RoomID,
		Name:        room.Name,
		Description: room.Description,
		CreatedBy:   room.CreatedBy,
	})
}

func (c *clientConn) handleJoinRoom(session *auth.Session, payload []byte) {
	var req JoinRoomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeJoinRoom, CodeBadRequest, "malformed join_room payload", "")
		return
	}
	if err := c.server.deps.Router.JoinRoom(session.Username, req.RoomID); err != nil {
		c.sendCommandError(TypeJoinRoom, err)
		return
	}
	c.sendSealed(TypeOK, nil)
}

func (c *clientConn) handleListRooms(session *auth.Session) {
	rooms, err := c.server.deps.Router.ListRooms()
	if err != nil {
		c.sendCommandError(TypeListRooms, err)
		return
	}
	resp := RoomListResponse{Rooms: make([]RoomResponse, 0, len(rooms))}
	for _, room := range rooms {
		resp.Rooms = append(resp.Rooms, RoomResponse{
			RoomID:      room.RoomID,
			Name:        room.Name,
			Description: room.Description,
			CreatedBy:   room.CreatedBy,
			MemberCount: room.MemberCount,
		})
	}
	c.sendSealed(TypeRoomList, resp)
}

func (c *clientConn) handleHistory(session *auth.Session, payload []byte) {
	var req HistoryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeHistory, CodeBadRequest, "malformed history payload", "")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	var deliveries []router.Delivery
	var err error
	if req.With != "" {
		deliveries, err = c.server.deps.Router.PrivateHistory(session.Username, req.With, req.Limit)
	} else {
		deliveries, err = c.server.deps.Router.RoomHistory(req.RoomID, req.Limit)
	}
	if err != nil {
		c.sendCommandError(TypeHistory, err)
		return
	}

	resp := HistoryResponse{Messages: make([]HistoryEntry, 0, len(deliveries))}
	for _, d := range deliveries {
		resp.Messages = append(resp.Messages, HistoryEntry{
			MessageID: d.MessageID,
			Sender:    d.Sender,
			Recipient: d.Recipient,
			RoomID:    d.RoomID,
			Text:      d.Text,
			Timestamp: d.Timestamp,
		})
	}
	c.sendSealed(TypeHistoryResponse, resp)
}

func (c *clientConn) handleUploadStart(session *auth.Session, payload []byte) {
	var req UploadStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeUploadStart, CodeBadRequest, "malformed upload_start payload", "")
		return
	}
	handle, err := c.server.deps.Engine.StartUpload(session.Username, req.Filename, req.TotalSize)
	if err != nil {
		c.sendCommandError(TypeUploadStart, err)
		return
	}
	c.sendSealed(TypeUploadHandle, UploadHandleResponse{
		TransferID:  handle.TransferID,
		FileID:      handle.FileID,
		ChunkSize:   handle.ChunkSize,
		AckedOffset: handle.AckedOffset,
	})
}

func (c *clientConn) handleUploadChunk(session *auth.Session, payload []byte) {
	var req UploadChunkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeUploadChunk, CodeBadRequest, "malformed upload_chunk payload", "")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.sendError(TypeUploadChunk, CodeBadRequest, "chunk data is not valid base64", "")
		return
	}
	if req.Checksum == "" {
		c.sendError(TypeUploadChunk, CodeBadRequest, "chunk checksum is required", "")
		return
	}
	acked, err := c.server.deps.Engine.WriteChunk(req.TransferID, session.Username, req.Offset, data, req.Checksum)
	if err != nil {
		c.sendCommandError(TypeUploadChunk, err)
		return
	}
	c.sendSealed(TypeChunkAck, ChunkAckResponse{
		TransferID:  req.TransferID,
		AckedOffset: acked,
	})
}

func (c *clientConn) handleUploadComplete(session *auth.Session, payload []byte) {
	var req UploadCompleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeUploadComplete, CodeBadRequest, "malformed upload_complete payload", "")
		return
	}
	if req.ContentHash == "" {
		c.sendError(TypeUploadComplete, CodeBadRequest, "content hash is required", "")
		return
	}
	result, err := c.server.deps.Engine.CompleteUpload(req.TransferID, session.Username, req.ContentHash)
	if err != nil {
		c.sendCommandError(TypeUploadComplete, err)
		return
	}
	c.sendSealed(TypeUploadResult, UploadResultResponse{
		FileID:   result.FileID,
		Verdict:  result.Verdict,
		Stage:    result.Stage,
		Reason:   result.Reason,
		MIMEType: result.MIMEType,
	})
}

func (c *clientConn) handleDownloadStart(session *auth.Session, payload []byte) {
	var req DownloadStartRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeDownloadStart, CodeBadRequest, "malformed download_start payload", "")
		return
	}
	handle, err := c.server.deps.Engine.StartDownload(session.Username, req.FileID)
	if err != nil {
		c.sendCommandError(TypeDownloadStart, err)
		return
	}
	c.sendSealed(TypeDownloadHandle, DownloadHandleResponse{
		TransferID: handle.TransferID,
		FileID:     handle.FileID,
		Filename:   handle.Filename,
		TotalSize:  handle.TotalSize,
		ChunkSize:  handle.ChunkSize,
	})
}

func (c *clientConn) handleDownloadChunk(session *auth.Session, payload []byte) {
	var req DownloadChunkRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeDownloadChunk, CodeBadRequest, "malformed download_chunk payload", "")
		return
	}
	chunk, err := c.server.deps.Engine.ReadChunk(req.TransferID, session.Username, req.Offset, req.Length)
	if err != nil {
		c.sendCommandError(TypeDownloadChunk, err)
		return
	}
	c.sendSealed(TypeChunkData, ChunkDataResponse{
		TransferID: req.TransferID,
		Offset:     chunk.Offset,
		Data:       base64.StdEncoding.EncodeToString(chunk.Data),
		Checksum:   chunk.Checksum,
		Last:       chunk.Last,
	})
}

func (c *clientConn) handleTransferResume(session *auth.Session, payload []byte) {
	var req TransferResumeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeTransferResume, CodeBadRequest, "malformed transfer_resume payload", "")
		return
	}
	acked, err := c.server.deps.Engine.Resume(req.TransferID, session.Username)
	if err != nil {
		c.sendCommandError(TypeTransferResume, err)
		return
	}
	c.sendSealed(TypeResumeResponse, ResumeResponse{
		TransferID:  req.TransferID,
		AckedOffset: acked,
	})
}

func (c *clientConn) handleTransferCancel(session *auth.Session, payload []byte) {
	var req TransferCancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.sendError(TypeTransferCancel, CodeBadRequest, "malformed transfer_cancel payload", "")
		return
	}
	if err := c.server.deps.Engine.Cancel(req.TransferID, session.Username); err != nil {
		c.sendCommandError(TypeTransferCancel, err)
		return
	}
	c.sendSealed(TypeOK, nil)
}

func (c *clientConn) handleListFiles(session *auth.Session) {
	records, err := c.server.deps.Store.ListVisibleFiles(session.Username)
	if err != nil {
		c.sendCommandError(TypeListFiles, err)
		return
	}
	resp := FileListResponse{Files: make([]FileEntry, 0, len(records))}
	for _, record := range records {
		resp.Files = append(resp.Files, FileEntry{
			FileID:       record.FileID,
			Filename:     record.OriginalName,
			Owner:        record.Owner,
			Size:         record.DeclaredSize,
			Verdict:      record.Verdict,
			ScanStage:    record.ScanStage,
			ScanReason:   record.ScanReason,
			ContentHash:  record.ContentHash,
			UploadedAt:   record.CreatedAt,
			Downloadable: record.Verdict == storage.VerdictPass && record.Location == storage.LocationStore,
		})
	}
	c.sendSealed(TypeFileList, resp)
}

func (c *clientConn) handleLogout(session *auth.Session) {
	c.server.deps.Sessions.Invalidate(session.Token)
	c.server.deps.Router.Unsubscribe(c.id)
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	c.sendPlain(TypeOK, nil)
	logrus.WithField("username", session.Username).Info("logged out")
}

// openPayload unseals an authenticated frame's payload into JSON.
func (c *clientConn) openPayload(frame *Frame) ([]byte, error) {
	if frame.Sealed == "" {
		return []byte("{}"), nil
	}
	sealed, err := base64.StdEncoding.DecodeString(frame.Sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", err)
	}
	return crypto.Open(c.server.deps.ServerKey, sealed)
}

// sendPlain writes a response with a plaintext payload.
func (c *clientConn) sendPlain(frameType string, payload any) error {
	frame := Frame{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = data
	}
	return c.writeFrame(frame)
}

// sendSealed writes a response sealed with the shared server key.
func (c *clientConn) sendSealed(frameType string, payload any) error {
	frame := Frame{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		sealed, err := crypto.Seal(c.server.deps.ServerKey, data)
		if err != nil {
			return err
		}
		frame.Sealed = base64.StdEncoding.EncodeToString(sealed)
	}
	return c.writeFrame(frame)
}

func (c *clientConn) sendError(command, code, message, stage string) {
	resp := ErrorResponse{Code: code, Message: message, Stage: stage}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.writeFrame(Frame{Type: TypeError, Payload: data}); err != nil {
		logrus.WithFields(logrus.Fields{
			"conn_id": c.id,
			"command": command,
		}).Debug("error write failed")
	}
}

// sendCommandError maps a domain error onto its wire code.
func (c *clientConn) sendCommandError(command string, err error) {
	code := CodeInternal
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		code = CodeAuthFailed
	case errors.Is(err, auth.ErrAccountLocked):
		code = CodeAccountLocked
	case errors.Is(err, auth.ErrUserExists):
		code = CodeUserExists
	case errors.Is(err, auth.ErrSessionExpired):
		code = CodeSessionExpired
	case errors.Is(err, auth.ErrUnknownSession):
		code = CodeNotAuthenticated
	case errors.Is(err, router.ErrNotAMember):
		code = CodeNotAMember
	case errors.Is(err, router.ErrRoomNotFound):
		code = CodeRoomNotFound
	case errors.Is(err, router.ErrRoomExists):
		code = CodeRoomExists
	case errors.Is(err, router.ErrUnknownRecipient):
		code = CodeUnknownRecipient
	case errors.Is(err, transfer.ErrUnknownTransfer):
		code = CodeUnknownTransfer
	case errors.Is(err, transfer.ErrNotOwner):
		code = CodeUnknownTransfer
	case errors.Is(err, transfer.ErrOutOfOrderOffset):
		code = CodeOffsetOutOfOrder
	case errors.Is(err, transfer.ErrChecksumMismatch):
		code = CodeChecksumMismatch
	case errors.Is(err, transfer.ErrTransferTerminal):
		code = CodeTransferTerminal
	case errors.Is(err, transfer.ErrSizeExceeded):
		code = CodeSizeExceeded
	case errors.Is(err, transfer.ErrIncomplete):
		code = CodeIncomplete
	case errors.Is(err, transfer.ErrFileUnavailable):
		code = CodeFileUnavailable
	case errors.Is(err, storage.ErrNotFound):
		code = CodeBadRequest
	}

	if code == CodeInternal {
		logrus.WithFields(logrus.Fields{
			"conn_id": c.id,
			"command": command,
			"error":   err.Error(),
		}).Error("command failed")
		c.sendError(command, code, "internal error", "")
		return
	}
	c.sendError(command, code, err.Error(), "")
}

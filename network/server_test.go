package network

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidlink/auth"
	"voidlink/crypto"
	"voidlink/router"
	"voidlink/scanner"
	"voidlink/storage"
	"voidlink/transfer"
)

type testServer struct {
	server *Server
	key    []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key := make([]byte, crypto.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)

	screener := scanner.New(1<<20, filepath.Join(dataDir, "quarantine"), nil)
	engine, err := transfer.NewEngine(transfer.Config{
		MaxFileSize: 1 << 20,
		ChunkSize:   16,
		IdleTimeout: time.Minute,
		Retention:   time.Hour,
		TempDir:     filepath.Join(dataDir, "temp"),
		FilesDir:    filepath.Join(dataDir, "files"),
	}, store, screener)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	server, err := Listen("127.0.0.1:0", Deps{
		Accounts:    auth.NewAccountStore(store, 3, 15*time.Minute),
		Sessions:    auth.NewSessionManager(30 * time.Minute),
		Router:      router.New(store, key, 8),
		Engine:      engine,
		Store:       store,
		ServerKey:   key,
		IdleTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	return &testServer{server: server, key: key}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	key  []byte
}

func (ts *testServer) dial(t *testing.T) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", ts.server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn, key: ts.key}
}

func (c *testClient) send(frame Frame) {
	c.t.Helper()

	data, err := EncodeFrame(frame)
	require.NoError(c.t, err)
	require.NoError(c.t, WriteFrame(c.conn, data))
}

func (c *testClient) sendPlain(frameType, token string, payload any) {
	c.t.Helper()

	frame := Frame{Type: frameType, Token: token}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		frame.Payload = data
	}
	c.send(frame)
}

func (c *testClient) sendSealed(frameType, token string, payload any) {
	c.t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	sealed, err := crypto.Seal(c.key, data)
	require.NoError(c.t, err)
	c.send(Frame{
		Type:   frameType,
		Token:  token,
		Sealed: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (c *testClient) read() *Frame {
	c.t.Helper()

	raw, err := ReadFrameWithTimeout(c.conn, 5*time.Second)
	require.NoError(c.t, err)
	frame, err := DecodeFrame(raw)
	require.NoError(c.t, err)
	return frame
}

// readType reads frames until one of the wanted type arrives, skipping
// asynchronous deliveries interleaved with command responses.
func (c *testClient) readType(frameType string) *Frame {
	c.t.Helper()

	for i := 0; i < 10; i++ {
		frame := c.read()
		if frame.Type == frameType {
			return frame
		}
	}
	c.t.Fatalf("frame of type %q never arrived", frameType)
	return nil
}

func (c *testClient) open(frame *Frame, out any) {
	c.t.Helper()

	sealed, err := base64.StdEncoding.DecodeString(frame.Sealed)
	require.NoError(c.t, err)
	plaintext, err := crypto.Open(c.key, sealed)
	require.NoError(c.t, err)
	require.NoError(c.t, json.Unmarshal(plaintext, out))
}

func (c *testClient) login(username, password string) string {
	c.t.Helper()

	c.sendPlain(TypeRegister, "", RegisterRequest{Username: username, Password: password})
	ok := c.read()
	require.Equal(c.t, TypeOK, ok.Type)

	c.sendPlain(TypeAuth, "", AuthRequest{Username: username, Password: password})
	resp := c.read()
	require.Equal(c.t, TypeAuthResponse, resp.Type)

	var authResp AuthResponse
	require.NoError(c.t, json.Unmarshal(resp.Payload, &authResp))
	require.NotEmpty(c.t, authResp.Token)
	return authResp.Token
}

func TestAuthRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t)

	client.sendPlain(TypeRegister, "", RegisterRequest{Username: "alice", Password: "s3cret"})
	require.Equal(t, TypeOK, client.read().Type)

	client.sendPlain(TypeAuth, "", AuthRequest{Username: "alice", Password: "wrong"})
	frame := client.read()
	require.Equal(t, TypeError, frame.Type)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &errResp))
	assert.Equal(t, CodeAuthFailed, errResp.Code)
}

func TestCommandsRequireSession(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t)

	client.sendSealed(TypeSend, "bogus-token", SendRequest{Text: "hello"})
	frame := client.read()
	require.Equal(t, TypeError, frame.Type)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &errResp))
	assert.Equal(t, CodeNotAuthenticated, errResp.Code)
}

func TestGlobalMessageRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)

	aliceToken := alice.login("alice", "pw-alice")
	bob.login("bob", "pw-bob")

	alice.sendSealed(TypeSend, aliceToken, SendRequest{Text: "hello everyone"})

	respFrame := alice.readType(TypeSendResponse)
	var resp SendResponse
	alice.open(respFrame, &resp)
	assert.Equal(t, "global", resp.Context)
	assert.NotEmpty(t, resp.MessageID)

	pushFrame := bob.readType(TypeMessageDelivery)
	var push MessageDelivery
	bob.open(pushFrame, &push)
	assert.Equal(t, "alice", push.Sender)
	assert.Equal(t, "hello everyone", push.Text)
}

func TestPrivateMessageViaMention(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)
	carol := ts.dial(t)

	aliceToken := alice.login("alice", "pw-alice")
	bob.login("bob", "pw-bob")
	carolToken := carol.login("carol", "pw-carol")

	alice.sendSealed(TypeSend, aliceToken, SendRequest{Text: "@bob the build is green"})

	respFrame := alice.readType(TypeSendResponse)
	var resp SendResponse
	alice.open(respFrame, &resp)
	assert.Equal(t, "private", resp.Context)
	assert.Equal(t, "bob", resp.Recipient)

	pushFrame := bob.readType(TypeMessageDelivery)
	var push MessageDelivery
	bob.open(pushFrame, &push)
	assert.Equal(t, "the build is green", push.Text)

	// Carol sees nothing; a follow-up command response arrives first.
	carol.sendSealed(TypeListRooms, carolToken, nil)
	frame := carol.read()
	assert.Equal(t, TypeRoomList, frame.Type)
}

func TestRoomFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)

	token := alice.login("alice", "pw-alice")

	alice.sendSealed(TypeCreateRoom, token, CreateRoomRequest{Name: "Dev Talk"})
	roomFrame := alice.readType(TypeRoomResponse)
	var room RoomResponse
	alice.open(roomFrame, &room)
	assert.Equal(t, "dev-talk", room.RoomID)

	alice.sendSealed(TypeSend, token, SendRequest{RoomID: "dev-talk", Text: "first post"})
	respFrame := alice.readType(TypeSendResponse)
	var resp SendResponse
	alice.open(respFrame, &resp)
	assert.Equal(t, "room", resp.Context)

	alice.sendSealed(TypeHistory, token, HistoryRequest{RoomID: "dev-talk"})
	histFrame := alice.readType(TypeHistoryResponse)
	var hist HistoryResponse
	alice.open(histFrame, &hist)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "first post", hist.Messages[0].Text)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestUploadDownloadOverWire(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t)
	bob := ts.dial(t)

	aliceToken := alice.login("alice", "pw-alice")
	bobToken := bob.login("bob", "pw-bob")

	content := []byte("shared file body that spans a few chunks")

	alice.sendSealed(TypeUploadStart, aliceToken, UploadStartRequest{
		Filename:  "shared.txt",
		TotalSize: int64(len(content)),
	})
	handleFrame := alice.readType(TypeUploadHandle)
	var handle UploadHandleResponse
	alice.open(handleFrame, &handle)
	require.Equal(t, 16, handle.ChunkSize)

	for offset := int64(0); offset < int64(len(content)); {
		end := offset + int64(handle.ChunkSize)
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		alice.sendSealed(TypeUploadChunk, aliceToken, UploadChunkRequest{
			TransferID: handle.TransferID,
			Offset:     offset,
			Data:       base64.StdEncoding.EncodeToString(content[offset:end]),
			Checksum:   sha256Hex(content[offset:end]),
		})
		ackFrame := alice.readType(TypeChunkAck)
		var ack ChunkAckResponse
		alice.open(ackFrame, &ack)
		require.Equal(t, end, ack.AckedOffset)
		offset = end
	}

	alice.sendSealed(TypeUploadComplete, aliceToken, UploadCompleteRequest{
		TransferID:  handle.TransferID,
		ContentHash: sha256Hex(content),
	})
	resultFrame := alice.readType(TypeUploadResult)
	var result UploadResultResponse
	alice.open(resultFrame, &result)
	require.Equal(t, "pass", result.Verdict)

	bob.sendSealed(TypeListFiles, bobToken, nil)
	listFrame := bob.readType(TypeFileList)
	var list FileListResponse
	bob.open(listFrame, &list)
	require.Len(t, list.Files, 1)
	assert.Equal(t, "shared.txt", list.Files[0].Filename)
	assert.True(t, list.Files[0].Downloadable)

	bob.sendSealed(TypeDownloadStart, bobToken, DownloadStartRequest{FileID: result.FileID})
	downFrame := bob.readType(TypeDownloadHandle)
	var down DownloadHandleResponse
	bob.open(downFrame, &down)
	require.Equal(t, int64(len(content)), down.TotalSize)

	var got []byte
	for offset := int64(0); offset < down.TotalSize; {
		bob.sendSealed(TypeDownloadChunk, bobToken, DownloadChunkRequest{
			TransferID: down.TransferID,
			Offset:     offset,
		})
		chunkFrame := bob.readType(TypeChunkData)
		var chunk ChunkDataResponse
		bob.open(chunkFrame, &chunk)
		data, err := base64.StdEncoding.DecodeString(chunk.Data)
		require.NoError(t, err)
		got = append(got, data...)
		offset += int64(len(data))
	}
	assert.Equal(t, content, got)
}

func TestUploadIntegrityFieldsAreMandatory(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t)
	token := client.login("alice", "pw-alice")

	content := []byte("0123456789abcdef")
	client.sendSealed(TypeUploadStart, token, UploadStartRequest{
		Filename:  "notes.txt",
		TotalSize: int64(len(content)),
	})
	handleFrame := client.readType(TypeUploadHandle)
	var handle UploadHandleResponse
	client.open(handleFrame, &handle)

	// A chunk without its checksum is refused before it reaches storage.
	client.sendSealed(TypeUploadChunk, token, UploadChunkRequest{
		TransferID: handle.TransferID,
		Offset:     0,
		Data:       base64.StdEncoding.EncodeToString(content),
	})
	frame := client.read()
	require.Equal(t, TypeError, frame.Type)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &errResp))
	assert.Equal(t, CodeBadRequest, errResp.Code)

	client.sendSealed(TypeUploadChunk, token, UploadChunkRequest{
		TransferID: handle.TransferID,
		Offset:     0,
		Data:       base64.StdEncoding.EncodeToString(content),
		Checksum:   sha256Hex(content),
	})
	client.readType(TypeChunkAck)

	// Completion without the whole-file hash is refused the same way.
	client.sendSealed(TypeUploadComplete, token, UploadCompleteRequest{TransferID: handle.TransferID})
	frame = client.read()
	require.Equal(t, TypeError, frame.Type)
	require.NoError(t, json.Unmarshal(frame.Payload, &errResp))
	assert.Equal(t, CodeBadRequest, errResp.Code)

	client.sendSealed(TypeUploadComplete, token, UploadCompleteRequest{
		TransferID:  handle.TransferID,
		ContentHash: sha256Hex(content),
	})
	resultFrame := client.readType(TypeUploadResult)
	var result UploadResultResponse
	client.open(resultFrame, &result)
	assert.Equal(t, "pass", result.Verdict)
}

func TestLogoutInvalidatesSession(t *testing.T) {
	ts := newTestServer(t)
	client := ts.dial(t)

	token := client.login("alice", "pw-alice")

	client.sendSealed(TypeLogout, token, nil)
	require.Equal(t, TypeOK, client.read().Type)

	client.sendSealed(TypeListRooms, token, nil)
	frame := client.read()
	require.Equal(t, TypeError, frame.Type)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(frame.Payload, &errResp))
	assert.Equal(t, CodeNotAuthenticated, errResp.Code)
}

package scanner

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	clamChunkSize   = 2048
	clamDialTimeout = 3 * time.Second
	clamScanTimeout = 60 * time.Second
)

// ClamAVBackend talks to a clamd daemon over TCP using the INSTREAM
// command. It satisfies SignatureBackend.
type ClamAVBackend struct {
	address string
}

// NewClamAVBackend builds a backend for the clamd at address, typically
// "localhost:3310".
func NewClamAVBackend(address string) *ClamAVBackend {
	return &ClamAVBackend{address: address}
}

// Available pings the daemon. A failure here means the signature stage
// is skipped, not that screening fails.
func (c *ClamAVBackend) Available() bool {
	conn, err := net.DialTimeout("tcp", c.address, clamDialTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(clamDialTimeout))
	if _, err := conn.Write([]byte("nPING\n")); err != nil {
		return false
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(reply) == "PONG"
}

// ScanFile streams the file to clamd and parses the verdict line.
func (c *ClamAVBackend) ScanFile(path string) (bool, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, "", fmt.Errorf("open %q for scanning: %w", path, err)
	}
	defer f.Close()

	conn, err := net.DialTimeout("tcp", c.address, clamDialTimeout)
	if err != nil {
		return false, "", fmt.Errorf("connect to clamd at %s: %w", c.address, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(clamScanTimeout))
	if _, err := conn.Write([]byte("nINSTREAM\n")); err != nil {
		return false, "", fmt.Errorf("send INSTREAM command: %w", err)
	}

	buf := make([]byte, clamChunkSize)
	sizePrefix := make([]byte, 4)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(sizePrefix, uint32(n))
			if _, err := conn.Write(sizePrefix); err != nil {
				return false, "", fmt.Errorf("send chunk size: %w", err)
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return false, "", fmt.Errorf("send chunk: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return false, "", fmt.Errorf("read file for scanning: %w", readErr)
		}
	}

	// Zero-length chunk terminates the stream.
	binary.BigEndian.PutUint32(sizePrefix, 0)
	if _, err := conn.Write(sizePrefix); err != nil {
		return false, "", fmt.Errorf("terminate stream: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return false, "", fmt.Errorf("read clamd reply: %w", err)
	}

	return parseClamReply(strings.TrimSpace(reply))
}

// parseClamReply interprets a clamd verdict line such as
// "stream: OK" or "stream: Eicar-Signature FOUND".
func parseClamReply(reply string) (bool, string, error) {
	switch {
	case strings.HasSuffix(reply, "OK"):
		return true, "", nil
	case strings.HasSuffix(reply, "FOUND"):
		body := strings.TrimSuffix(reply, " FOUND")
		if idx := strings.Index(body, ": "); idx >= 0 {
			body = body[idx+2:]
		}
		logrus.WithField("signature", body).Warn("clamd signature match")
		return false, body, nil
	default:
		return false, "", fmt.Errorf("unexpected clamd reply %q", reply)
	}
}

package scan

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"document-refinery/internal/config"
	"document-refinery/internal/domain"
	"document-refinery/internal/domain/ports/adapter"
)

var _ adapter.MalwareScanner = (*ClamScanner)(nil)

const streamChunkSize = 32 * 1024

// ClamScanner talks the clamd TCP protocol. Files are streamed over the
// INSTREAM command so the daemon does not need to share a filesystem with us.
type ClamScanner struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

func NewClamScanner(cfg config.ScannerConfig) *ClamScanner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ClamScanner{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		timeout: timeout,
	}
}

func (s *ClamScanner) Scan(ctx context.Context, path string) (adapter.ScanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return adapter.ScanResult{}, fmt.Errorf("open scan target: %w", err)
	}
	defer f.Close()

	conn, err := s.dial(ctx)
	if err != nil {
		return adapter.ScanResult{}, err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return adapter.ScanResult{}, fmt.Errorf("clamd instream: %w", err)
	}
	if err := streamChunks(conn, f); err != nil {
		return adapter.ScanResult{}, fmt.Errorf("clamd stream: %w", err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return adapter.ScanResult{}, fmt.Errorf("clamd reply: %w", err)
	}
	return parseReply(reply)
}

func (s *ClamScanner) Ping(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("zPING\x00")); err != nil {
		return fmt.Errorf("clamd ping: %w", err)
	}
	reply, err := readReply(conn)
	if err != nil {
		return fmt.Errorf("clamd ping reply: %w", err)
	}
	if reply != "PONG" {
		return fmt.Errorf("clamd ping reply %q", reply)
	}
	return nil
}

func (s *ClamScanner) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn, err := s.dialer.DialContext(dctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("clamd dial %s: %w", s.addr, err)
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// streamChunks sends the INSTREAM body: length-prefixed chunks ending with a
// zero-length chunk.
func streamChunks(conn net.Conn, r io.Reader) error {
	buf := make([]byte, streamChunkSize)
	var size [4]byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			binary.BigEndian.PutUint32(size[:], uint32(n))
			if _, werr := conn.Write(size[:]); werr != nil {
				return werr
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	_, err := conn.Write(size[:])
	return err
}

func readReply(conn net.Conn) (string, error) {
	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(strings.TrimSpace(reply), "\x00"), nil
}

// parseReply maps clamd verdict lines. The daemon answers one of:
//
//	stream: OK
//	stream: Win.Test.EICAR_HDB-1 FOUND
//	stream: <message> ERROR
func parseReply(reply string) (adapter.ScanResult, error) {
	body := reply
	if i := strings.Index(body, ":"); i >= 0 {
		body = strings.TrimSpace(body[i+1:])
	}
	switch {
	case body == "OK":
		return adapter.ScanResult{Verdict: adapter.VerdictClean}, nil
	case strings.HasSuffix(body, " FOUND"):
		return adapter.ScanResult{
			Verdict:   adapter.VerdictInfected,
			Signature: strings.TrimSuffix(body, " FOUND"),
		}, nil
	case strings.HasSuffix(body, " ERROR"):
		return adapter.ScanResult{}, fmt.Errorf("%w: %s", domain.ErrScanFailed, strings.TrimSuffix(body, " ERROR"))
	default:
		return adapter.ScanResult{}, fmt.Errorf("%w: unexpected clamd reply %q", domain.ErrScanFailed, reply)
	}
}

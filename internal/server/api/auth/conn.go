package auth

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaxFrame is the largest plaintext carried in one frame; longer writes
// are split.
const MaxFrame = 64 * 1024

const nonceSize = chacha20poly1305.NonceSize

var (
	ErrFrameTooLarge = errors.New("encrypted frame too large")
	ErrFrameOrder    = errors.New("encrypted frame out of order")
)

// Conn frames every write as length, nonce and sealed payload. The nonce
// carries a per-direction counter, so a replayed or reordered frame fails.
// Writes are sealed with one key and reads opened with the other.
type Conn struct {
	net.Conn
	seal cipher.AEAD
	open cipher.AEAD

	wmu     sync.Mutex
	sendCtr uint64
	frame   []byte

	recvCtr uint64
	recvBuf bytes.Buffer
}

// WrapConn seals writes with sendKey and opens reads with recvKey. Use
// Session.ClientConn or Session.ServerConn to get the keys the right way
// round.
func WrapConn(conn net.Conn, sendKey, recvKey []byte) (net.Conn, error) {
	seal, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, fmt.Errorf("send key: %w", err)
	}
	open, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, fmt.Errorf("receive key: %w", err)
	}
	return &Conn{Conn: conn, seal: seal, open: open}, nil
}

func (s *Conn) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	written := 0
	for {
		n := min(len(p)-written, MaxFrame)
		if err := s.writeFrame(p[written : written+n]); err != nil {
			return written, err
		}
		written += n
		if written == len(p) {
			return written, nil
		}
	}
}

func (s *Conn) writeFrame(p []byte) error {
	size := nonceSize + len(p) + s.seal.Overhead()
	s.frame = append(s.frame[:0], make([]byte, 4+nonceSize)...)
	binary.BigEndian.PutUint32(s.frame[:4], uint32(size))
	nonce := s.frame[4 : 4+nonceSize]
	binary.BigEndian.PutUint64(nonce[4:], s.sendCtr)
	s.sendCtr++
	s.frame = s.seal.Seal(s.frame, nonce, p, nil)
	_, err := s.Conn.Write(s.frame)
	return err
}

// Read is not safe for concurrent use.
func (s *Conn) Read(p []byte) (int, error) {
	for s.recvBuf.Len() == 0 {
		if err := s.readFrame(); err != nil {
			return 0, err
		}
	}
	return s.recvBuf.Read(p)
}

func (s *Conn) readFrame() error {
	var hdr [4]byte
	if _, err := io.ReadFull(s.Conn, hdr[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	overhead := uint32(nonceSize + s.open.Overhead())
	if size < overhead || size > overhead+MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	pkt := make([]byte, size)
	if _, err := io.ReadFull(s.Conn, pkt); err != nil {
		return err
	}
	nonce, ct := pkt[:nonceSize], pkt[nonceSize:]
	if ctr := binary.BigEndian.Uint64(nonce[4:]); ctr != s.recvCtr {
		return fmt.Errorf("%w: got %d, want %d", ErrFrameOrder, ctr, s.recvCtr)
	}
	pt, err := s.open.Open(ct[:0], nonce, ct, nil)
	if err != nil {
		return err
	}
	s.recvCtr++
	s.recvBuf.Write(pt)
	return nil
}

// SPDX-License-Identifier: GPL-2.0-or-later

package rtph264

import (
	"context"
	"errors"
	"fmt"
	"instantreplay/pkg/log"
	"instantreplay/pkg/video/h264"
	"io"
	"net"

	"github.com/pion/rtp"
)

// Larger than the UDP payload of a 1500 byte MTU.
const readBufferSize = 2048

// Source receives RTP/H264 over UDP and writes every
// decoded NALU to the writer in Annex-B format.
type Source struct {
	Address string

	// PayloadType filters packets, 0 accepts all.
	PayloadType uint8

	Logger log.ILogger
}

// Run listens on the address until the context is canceled.
func (s *Source) Run(ctx context.Context, w io.Writer) error {
	conn, err := net.ListenPacket("udp", s.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.Logger.Log(log.Entry{
		Level: log.LevelInfo,
		Src:   "rtp",
		Msg:   fmt.Sprintf("listening on %v", conn.LocalAddr()),
	})
	return s.Serve(ctx, conn, w)
}

// Serve reads packets from conn until the context is
// canceled. The connection is closed on return.
func (s *Source) Serve(ctx context.Context, conn net.PacketConn, w io.Writer) error {
	ctx2, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx2.Done()
		conn.Close()
	}()

	r := PacketConnReader{PacketConn: conn}
	decoder := NewDecoder(h264.MaxNALUSize)
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logDebug(fmt.Sprintf("invalid packet: %v", err))
			continue
		}
		if s.PayloadType != 0 && pkt.PayloadType != s.PayloadType {
			continue
		}

		nalus, err := decoder.Decode(&pkt)
		if err != nil {
			if !errors.Is(err, ErrMorePacketsNeeded) &&
				!errors.Is(err, ErrNonStartingPacketAndNoPrevious) {
				s.logDebug(fmt.Sprintf("decode: %v", err))
			}
			continue
		}

		if _, err := w.Write(h264.AnnexBEncode(nalus)); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

func (s *Source) logDebug(msg string) {
	s.Logger.Log(log.Entry{Level: log.LevelDebug, Src: "rtp", Msg: msg})
}

// PacketConnReader creates a io.Reader around a net.PacketConn.
type PacketConnReader struct {
	net.PacketConn
}

// Read implements io.Reader.
func (r PacketConnReader) Read(p []byte) (int, error) {
	n, _, err := r.PacketConn.ReadFrom(p)
	return n, err
}

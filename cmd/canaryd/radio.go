package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"

	"canaryd/internal/chirp"
	"canaryd/internal/logging"
	"canaryd/internal/mesh"
)

// lanRadio carries mesh and chirp frames over UDP multicast so a flock of
// devices on one LAN can find each other. The first byte of every packet
// selects the channel; engines never see it.
const (
	lanGroup = "239.192.54.17:5417"

	chanMesh  byte = 'M'
	chanChirp byte = 'C'

	// lanRSSI is reported for received frames; UDP has no signal strength.
	lanRSSI int8 = -40

	maxPacket = 512
)

type lanRadio struct {
	conn  *net.UDPConn
	group *net.UDPAddr
	log   *logging.Logger
}

func newLANRadio(log *logging.Logger) (*lanRadio, error) {
	group, err := net.ResolveUDPAddr("udp4", lanGroup)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group: %w", err)
	}
	_ = conn.SetReadBuffer(1 << 16)
	return &lanRadio{
		conn:  conn,
		group: group,
		log:   log.WithComponent("radio"),
	}, nil
}

func (r *lanRadio) send(channel byte, frame []byte) error {
	pkt := make([]byte, 0, len(frame)+1)
	pkt = append(pkt, channel)
	pkt = append(pkt, frame...)
	_, err := r.conn.WriteToUDP(pkt, r.group)
	return err
}

// meshTransport adapts the radio to the mesh engine. Unicast degrades to
// multicast; mesh frames carry fingerprints and receivers filter.
type meshTransport struct{ r *lanRadio }

func (t meshTransport) Broadcast(frame []byte) error       { return t.r.send(chanMesh, frame) }
func (t meshTransport) Send(_ [6]byte, frame []byte) error { return t.r.send(chanMesh, frame) }

// chirpBroadcaster adapts the radio to the chirp engine.
type chirpBroadcaster struct{ r *lanRadio }

func (b chirpBroadcaster) Broadcast(frame []byte) error { return b.r.send(chanChirp, frame) }

// receiveLoop demuxes inbound packets to the engines until ctx ends.
func (r *lanRadio) receiveLoop(ctx context.Context, meshEng *mesh.Engine, chirpEng *chirp.Engine) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, maxPacket)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("radio receive: %w", err)
		}
		if n < 2 {
			continue
		}
		frame := make([]byte, n-1)
		copy(frame, buf[1:n])

		switch buf[0] {
		case chanMesh:
			if meshEng != nil {
				meshEng.HandleFrame(srcAddr(src), frame, lanRSSI)
			}
		case chanChirp:
			if chirpEng != nil {
				chirpEng.HandleFrame(frame, lanRSSI)
			}
		default:
			r.log.Debug("unknown radio channel", "byte", buf[0])
		}
	}
}

// srcAddr folds the UDP source into the 6-byte radio address the mesh
// engine expects.
func srcAddr(src *net.UDPAddr) [6]byte {
	sum := sha256.Sum256([]byte(src.String()))
	var addr [6]byte
	copy(addr[:], sum[:6])
	return addr
}

func (r *lanRadio) Close() error { return r.conn.Close() }

package voice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/crypto/nacl/secretbox"

	log "github.com/sirupsen/logrus"
)

// MediaTransport carries the encrypted RTP audio of a session.
type MediaTransport interface {
	// Discover connects to the voice server's UDP endpoint and returns our
	// external address as the server sees it.
	Discover(ctx context.Context, ip string, port int) (string, int, error)
	SetAudioCodec(name string) error
	SetupEncryption(mode string, key []byte) error
	SendFrame(frame []byte) error
	IncrementTimestamp(n uint32)
	Disconnect()
}

const (
	discoveryRequest  = 0x1
	discoveryResponse = 0x2
	discoveryLength   = 74

	// 20ms of 48kHz audio.
	samplesPerFrame = 960
)

// UDPMedia is the default MediaTransport.
type UDPMedia struct {
	sync.Mutex

	ssrc    uint32
	timeout time.Duration
	udpConn *net.UDPConn

	payloadType uint8
	sequence    uint16
	timestamp   uint32

	mode      string
	secretKey [32]byte
	encrypted bool
	liteNonce uint32
}

// NewUDPMedia returns a media transport sending as ssrc. timeout bounds IP
// discovery when the context has no deadline.
func NewUDPMedia(ssrc uint32, timeout time.Duration) *UDPMedia {
	return &UDPMedia{
		ssrc:        ssrc,
		timeout:     timeout,
		payloadType: RTPPayloadTypes["opus"],
	}
}

// Discover performs UDP IP discovery. The connection is kept open for audio.
func (u *UDPMedia) Discover(ctx context.Context, ip string, port int) (string, int, error) {
	u.Lock()
	defer u.Unlock()

	if u.udpConn != nil {
		return "", 0, fmt.Errorf("udp connection already open")
	}

	host := net.JoinHostPort(ip, strconv.Itoa(port))
	addr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return "", 0, fmt.Errorf("resolving udp host %s: %w", host, err)
	}

	log.Debugf("connecting to udp addr %s", addr.String())
	udpConn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return "", 0, fmt.Errorf("connecting to udp addr %s: %w", addr.String(), err)
	}

	extIP, extPort, err := discover(ctx, udpConn, u.ssrc, u.timeout)
	if err != nil {
		udpConn.Close()
		return "", 0, err
	}

	u.udpConn = udpConn
	log.Debugf("successfully connected to udp addr %s", addr.String())
	return extIP, extPort, nil
}

func discover(ctx context.Context, udpConn *net.UDPConn, ssrc uint32, timeout time.Duration) (string, int, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}
	udpConn.SetDeadline(deadline)
	defer udpConn.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { udpConn.SetDeadline(time.Now()) })
	defer stop()

	// [type(2)][length(2)][ssrc(4)][address(64)][port(2)]
	sb := make([]byte, discoveryLength)
	binary.BigEndian.PutUint16(sb[0:], discoveryRequest)
	binary.BigEndian.PutUint16(sb[2:], discoveryLength-4)
	binary.BigEndian.PutUint32(sb[4:], ssrc)
	if _, err := udpConn.Write(sb); err != nil {
		return "", 0, fmt.Errorf("udp write error: %w", err)
	}

	rb := make([]byte, discoveryLength)
	rlen, err := udpConn.Read(rb)
	if err != nil {
		return "", 0, fmt.Errorf("udp read error: %w", err)
	}
	if rlen < discoveryLength {
		return "", 0, fmt.Errorf("received udp packet too small (%d bytes)", rlen)
	}
	if t := binary.BigEndian.Uint16(rb[0:2]); t != discoveryResponse {
		return "", 0, fmt.Errorf("unexpected discovery packet type %#x", t)
	}

	// The address is null terminated within its 64 bytes.
	end := 8
	for end < 72 && rb[end] != 0 {
		end++
	}
	ip := string(rb[8:end])
	port := binary.BigEndian.Uint16(rb[72:74])
	return ip, int(port), nil
}

// SetAudioCodec sets the RTP payload type of outbound frames.
func (u *UDPMedia) SetAudioCodec(name string) error {
	pt, ok := RTPPayloadTypes[name]
	if !ok {
		return fmt.Errorf("unknown audio codec %q", name)
	}
	u.Lock()
	u.payloadType = pt
	u.Unlock()
	return nil
}

// SetupEncryption installs the session secret key for mode.
func (u *UDPMedia) SetupEncryption(mode string, key []byte) error {
	switch mode {
	case ModeXSalsa20Poly1305, ModeXSalsa20Poly1305Suffix, ModeXSalsa20Poly1305Lite:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
	if len(key) != len(u.secretKey) {
		return fmt.Errorf("secret key must be %d bytes, got %d", len(u.secretKey), len(key))
	}

	u.Lock()
	defer u.Unlock()
	u.mode = mode
	copy(u.secretKey[:], key)
	u.encrypted = true
	u.liteNonce = 0
	return nil
}

// SendFrame wraps an encoded audio frame in an RTP header, seals it and
// writes it to the voice server.
func (u *UDPMedia) SendFrame(frame []byte) error {
	u.Lock()
	defer u.Unlock()

	if u.udpConn == nil {
		return ErrNotConnected
	}
	if !u.encrypted {
		return ErrNoEncryption
	}

	header := rtp.Header{
		Version:        2,
		PayloadType:    u.payloadType,
		SequenceNumber: u.sequence,
		Timestamp:      u.timestamp,
		SSRC:           u.ssrc,
	}
	hb, err := header.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp header: %w", err)
	}

	packet, err := u.seal(hb, frame)
	if err != nil {
		return err
	}

	if _, err := u.udpConn.Write(packet); err != nil {
		return fmt.Errorf("udp write error: %w", err)
	}

	u.sequence++
	u.timestamp += samplesPerFrame
	return nil
}

// seal encrypts frame after header according to the negotiated mode.
func (u *UDPMedia) seal(header, frame []byte) ([]byte, error) {
	var nonce [24]byte
	out := make([]byte, len(header), len(header)+len(frame)+secretbox.Overhead+len(nonce))
	copy(out, header)

	switch u.mode {
	case ModeXSalsa20Poly1305:
		copy(nonce[:], header)
		return secretbox.Seal(out, frame, &nonce, &u.secretKey), nil

	case ModeXSalsa20Poly1305Suffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			return nil, fmt.Errorf("generating nonce: %w", err)
		}
		out = secretbox.Seal(out, frame, &nonce, &u.secretKey)
		return append(out, nonce[:]...), nil

	case ModeXSalsa20Poly1305Lite:
		binary.BigEndian.PutUint32(nonce[:4], u.liteNonce)
		u.liteNonce++
		out = secretbox.Seal(out, frame, &nonce, &u.secretKey)
		return append(out, nonce[:4]...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, u.mode)
}

// IncrementTimestamp advances the RTP timestamp without sending.
func (u *UDPMedia) IncrementTimestamp(n uint32) {
	u.Lock()
	u.timestamp += n
	u.Unlock()
}

// Disconnect closes the UDP connection.
func (u *UDPMedia) Disconnect() {
	u.Lock()
	defer u.Unlock()

	if u.udpConn != nil {
		log.Debug("closing udp")
		if err := u.udpConn.Close(); err != nil {
			log.Errorf("error closing udp connection, %s", err)
		}
		u.udpConn = nil
	}
}

package mpptdbg

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Plot stream wire format. Every websocket message is an 8 byte envelope
// (version, two reserved bytes, type, little endian payload length) followed
// by the payload. FRAME carries raw float64 pairs; METADATA and PLOT_STOPPED
// carry a length prefixed JSON document.
const (
	ProtocolVersion byte = 1

	MessageTypeFrame       byte = 0x01
	MessageTypeMetadata    byte = 0x02
	MessageTypePlotStopped byte = 0x03

	EnvelopeHeaderSize = 8

	frameHeaderSize = 8 // series id + pair count
)

type EnvelopeHeader struct {
	Version  byte
	Reserved [2]byte
	Type     byte
	Length   uint32
}

// The samples of one redraw of one variable. X is in unix seconds.
type FrameMessage struct {
	SeriesID uint32
	Length   uint32
	X        []float64
	Y        []float64
}

// Sent once when a plot loop ends so viewers can mark the series idle.
type PlotStoppedMessage struct {
	SeriesID uint32
	Label    string
}

// Timestamps keep microsecond precision.
func NewFrameMessage(frame Frame) FrameMessage {
	n := len(frame.Samples)
	msg := FrameMessage{
		SeriesID: uint32(frame.SeriesID),
		Length:   uint32(n),
		X:        make([]float64, n),
		Y:        make([]float64, n),
	}

	for i, sample := range frame.Samples {
		msg.X[i] = float64(sample.Timestamp.UnixMicro()) / 1e6
		msg.Y[i] = float64(sample.Value)
	}

	return msg
}

// Payload is one of FrameMessage, Metadata or PlotStoppedMessage, matching
// Header.Type.
type WSMessage struct {
	Header  EnvelopeHeader
	Payload interface{}
}

// Header.Length is left at zero; EncodeWSMessage fills it in.
func NewWSMessage(messageType byte, payload interface{}) WSMessage {
	return WSMessage{
		Header:  EnvelopeHeader{Version: ProtocolVersion, Type: messageType},
		Payload: payload,
	}
}

func EncodeEnvelopeHeader(env EnvelopeHeader) []byte {
	buf := []byte{env.Version, env.Reserved[0], env.Reserved[1], env.Type}
	return binary.LittleEndian.AppendUint32(buf, env.Length)
}

func DecodeEnvelopeHeader(buf []byte) (EnvelopeHeader, error) {
	if len(buf) < EnvelopeHeaderSize {
		return EnvelopeHeader{}, fmt.Errorf("envelope needs %d bytes, got %d", EnvelopeHeaderSize, len(buf))
	}

	return EnvelopeHeader{
		Version:  buf[0],
		Reserved: [2]byte{buf[1], buf[2]},
		Type:     buf[3],
		Length:   binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

func EncodeFrameMessage(msg FrameMessage) ([]byte, error) {
	if len(msg.X) != len(msg.Y) {
		return nil, fmt.Errorf("frame X and Y must have the same length, got %d and %d", len(msg.X), len(msg.Y))
	}

	if int(msg.Length) != len(msg.X) {
		return nil, fmt.Errorf("frame length %d doesn't match %d pairs", msg.Length, len(msg.X))
	}

	buf := make([]byte, 0, frameHeaderSize+16*len(msg.X))
	buf = binary.LittleEndian.AppendUint32(buf, msg.SeriesID)
	buf = binary.LittleEndian.AppendUint32(buf, msg.Length)
	buf = appendFloats(buf, msg.X)
	buf = appendFloats(buf, msg.Y)

	return buf, nil
}

func DecodeFrameMessage(buf []byte) (FrameMessage, error) {
	if len(buf) < frameHeaderSize {
		return FrameMessage{}, fmt.Errorf("frame needs at least %d bytes, got %d", frameHeaderSize, len(buf))
	}

	msg := FrameMessage{
		SeriesID: binary.LittleEndian.Uint32(buf[0:4]),
		Length:   binary.LittleEndian.Uint32(buf[4:8]),
	}

	n := int(msg.Length)
	body := buf[frameHeaderSize:]
	if uint64(len(body)) != 16*uint64(msg.Length) {
		return FrameMessage{}, fmt.Errorf("frame of %d pairs needs %d body bytes, got %d", n, 16*uint64(msg.Length), len(body))
	}

	msg.X = readFloats(body[:8*n])
	msg.Y = readFloats(body[8*n:])

	return msg, nil
}

func appendFloats(buf []byte, values []float64) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func readFloats(buf []byte) []float64 {
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return values
}

func encodeJSONPayload(v interface{}) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}

	buf := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(doc)), uint32(len(doc)))
	return append(buf, doc...), nil
}

func decodeJSONPayload[T any](buf []byte) (T, error) {
	var v T

	if len(buf) < 4 {
		return v, fmt.Errorf("%T payload needs at least 4 bytes, got %d", v, len(buf))
	}

	docLen := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(len(buf)-4) != uint64(docLen) {
		return v, fmt.Errorf("%T payload announces %d bytes of JSON, got %d", v, docLen, len(buf)-4)
	}

	if err := json.Unmarshal(buf[4:], &v); err != nil {
		var zero T
		return zero, fmt.Errorf("unmarshal %T: %w", v, err)
	}

	return v, nil
}

func DecodeMetadataMessage(buf []byte) (Metadata, error) {
	return decodeJSONPayload[Metadata](buf)
}

func DecodePlotStoppedMessage(buf []byte) (PlotStoppedMessage, error) {
	return decodeJSONPayload[PlotStoppedMessage](buf)
}

func encodePayload(msg WSMessage) ([]byte, error) {
	mismatch := func(want string) error {
		return fmt.Errorf("payload type mismatch: message type 0x%02x wants %s, got %T", msg.Header.Type, want, msg.Payload)
	}

	switch msg.Header.Type {
	case MessageTypeFrame:
		frame, ok := msg.Payload.(FrameMessage)
		if !ok {
			return nil, mismatch("FrameMessage")
		}
		return EncodeFrameMessage(frame)

	case MessageTypeMetadata:
		if _, ok := msg.Payload.(Metadata); !ok {
			return nil, mismatch("Metadata")
		}
		return encodeJSONPayload(msg.Payload)

	case MessageTypePlotStopped:
		if _, ok := msg.Payload.(PlotStoppedMessage); !ok {
			return nil, mismatch("PlotStoppedMessage")
		}
		return encodeJSONPayload(msg.Payload)
	}

	return nil, fmt.Errorf("unknown message type: 0x%02x", msg.Header.Type)
}

func decodePayload(messageType byte, buf []byte) (interface{}, error) {
	switch messageType {
	case MessageTypeFrame:
		return DecodeFrameMessage(buf)
	case MessageTypeMetadata:
		return DecodeMetadataMessage(buf)
	case MessageTypePlotStopped:
		return DecodePlotStoppedMessage(buf)
	}

	return nil, fmt.Errorf("unknown message type: 0x%02x", messageType)
}

// Encodes the payload for Header.Type and prefixes the envelope, with its
// length set to the encoded payload size.
func EncodeWSMessage(msg WSMessage) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, err
	}

	msg.Header.Length = uint32(len(payload))
	return append(EncodeEnvelopeHeader(msg.Header), payload...), nil
}

// Bytes past the announced payload length are ignored.
func DecodeWSMessage(buf []byte) (WSMessage, error) {
	env, err := DecodeEnvelopeHeader(buf)
	if err != nil {
		return WSMessage{}, err
	}

	end := uint64(EnvelopeHeaderSize) + uint64(env.Length)
	if uint64(len(buf)) < end {
		return WSMessage{}, fmt.Errorf("message announces %d payload bytes, got %d", env.Length, len(buf)-EnvelopeHeaderSize)
	}

	payload, err := decodePayload(env.Type, buf[EnvelopeHeaderSize:end])
	if err != nil {
		return WSMessage{}, err
	}

	return WSMessage{Header: env, Payload: payload}, nil
}

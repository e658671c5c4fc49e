package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
)

var ErrInsufficientBytes = errors.New("invalid packet context length")

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func NewFieldPayload(s string) FieldPayload {
	return FieldPayload{PayloadLength: len(s), Payload: []byte(s)}
}

func (f FieldPayload) String() string {
	return string(f.Payload)
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, ErrInsufficientBytes
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.New("invalid reading length, except >= 0")
	}
	if length == 0 {
		return []byte{}, nil
	}
	startByte := payload.CurrentPtr
	end := startByte + length
	if end > payload.ContextLen {
		return nil, ErrInsufficientBytes
	}
	data := payload.Context[startByte:end]
	payload.CurrentPtr = end
	return data, nil
}

func readPacketID(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, err
	}
	return mqtt.ByteToUInt16(data), nil
}

func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, errors.New("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, fmt.Errorf("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

func appendField(buf []byte, data []byte) []byte {
	buf = append(buf, mqtt.UInt16ToByte(uint16(len(data)))...)
	return append(buf, data...)
}

// NewPingRespPacket builds a PINGRESP.
func NewPingRespPacket() []byte {
	return []byte{byte(mqtt.PINGRESP) << 4, 0x00}
}

// NewPingReqPacket builds a PINGREQ.
func NewPingReqPacket() []byte {
	return []byte{byte(mqtt.PINGREQ) << 4, 0x00}
}

// NewDisconnectPacket builds a DISCONNECT.
func NewDisconnectPacket() []byte {
	return []byte{byte(mqtt.DISCONNECT) << 4, 0x00}
}

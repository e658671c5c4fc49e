package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
)

type UnSubscribePacketPayloads struct {
	PacketID uint16
	Topics   []string
}

func NewUnSubAckPacket(packetID uint16) []byte {
	return NewAckPacket(mqtt.UNSUBACK, packetID)
}

func NewUnSubscribePacket(packetID uint16, topics []string) []byte {
	body := mqtt.UInt16ToByte(packetID)
	for _, topic := range topics {
		body = appendField(body, []byte(topic))
	}
	return mqtt.Encode(byte(mqtt.UNSUBSCRIBE)<<4|0x02, body)
}

func ParseUnSubscribePacket(packet *mqtt.Packet) (*UnSubscribePacketPayloads, error) {
	result := &UnSubscribePacketPayloads{}

	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return result, fmt.Errorf("error occured when reading packet ID, details: %v", err)
	}
	result.PacketID = packetID

	for packet.Payload.CheckRemainingLength() {
		topicFilter, err := readPacketPayload(packet.Payload)
		if err != nil {
			return result, fmt.Errorf("error occured when reading topic filter, details: %v", err)
		}
		result.Topics = append(result.Topics, topicFilter.String())
	}

	if len(result.Topics) == 0 {
		return result, errors.New("unsubscribe packet contains no topic filter")
	}

	return result, nil
}

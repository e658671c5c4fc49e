package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
)

type PublishPacketFlag struct {
	RetryFlag bool
	QoS       byte
	Retain    bool
}

type PublishPacketPayloads struct {
	PacketFlag PublishPacketFlag
	TopicName  FieldPayload
	PacketID   uint16
	Payload    []byte
}

func (p *PublishPacketPayloads) Topic() string {
	return p.TopicName.String()
}

func NewPublishPacket(packetPayloads *PublishPacketPayloads) []byte {
	first := byte(mqtt.PUBLISH) << 4
	flag := packetPayloads.PacketFlag
	if flag.QoS > 0 {
		first |= flag.QoS << 1
		if flag.RetryFlag {
			first |= 0x08
		}
	}
	if flag.Retain {
		first |= 0x01
	}
	body := make([]byte, 0, 2+len(packetPayloads.TopicName.Payload)+2+len(packetPayloads.Payload))
	body = appendField(body, packetPayloads.TopicName.Payload)
	if flag.QoS > 0 {
		body = append(body, mqtt.UInt16ToByte(packetPayloads.PacketID)...)
	}
	body = append(body, packetPayloads.Payload...)
	return mqtt.Encode(first, body)
}

func ParsePublishPacket(packet *mqtt.Packet) (*PublishPacketPayloads, error) {
	result := &PublishPacketPayloads{
		PacketFlag: PublishPacketFlag{
			RetryFlag: (packet.Header.Flags&0x08)>>3 == 1,
			QoS:       (packet.Header.Flags & 0x06) >> 1,
			Retain:    packet.Header.Flags&0x01 == 1,
		},
	}

	if result.PacketFlag.QoS == 0 && result.PacketFlag.RetryFlag {
		return result, fmt.Errorf("when QoS Level set to 0, retry flag must be set to 0 either")
	}

	if result.PacketFlag.QoS == 3 {
		return result, fmt.Errorf("the QoS Level must not set to 3")
	}

	topicName, err := readPacketPayload(packet.Payload)
	if err != nil {
		return result, fmt.Errorf("error occured when reading topic name, details: %v", err)
	}
	result.TopicName = topicName

	if result.PacketFlag.QoS > 0 {
		packetID, err := readPacketID(packet.Payload)
		if err != nil {
			return result, fmt.Errorf("error occured when reading packet ID, details: %v", err)
		}
		if packetID == 0 {
			return result, fmt.Errorf("packet ID must not be 0 for QoS %d", result.PacketFlag.QoS)
		}
		result.PacketID = packetID
	}

	payload, err := readPacketBytes(packet.Payload, packet.Payload.Remaining())
	if err != nil {
		return result, fmt.Errorf("error occured when reading payload, details: %v", err)
	}
	result.Payload = payload

	return result, nil
}

package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
)

// NewAckPacket builds PUBACK, PUBREC, PUBREL, PUBCOMP or UNSUBACK for packetID.
func NewAckPacket(packetType mqtt.PacketType, packetID uint16) []byte {
	first := byte(packetType) << 4
	if packetType == mqtt.PUBREL {
		first |= 0x02
	}
	return mqtt.Encode(first, mqtt.UInt16ToByte(packetID))
}

// ParseAckPacket returns the packet identifier of a two byte acknowledgement.
func ParseAckPacket(packet *mqtt.Packet) (uint16, error) {
	if packet.Header.RemainingLength != 2 {
		return 0, fmt.Errorf("%s packet must carry exactly 2 bytes, got %d", packet.Header.Type, packet.Header.RemainingLength)
	}
	return readPacketID(packet.Payload)
}

// Package mqtt holds the MQTT 3.1.1 control packet types and the fixed header codec.
package mqtt

// PacketType is the MQTT control packet type.
type PacketType byte

const (
	CONNECT     PacketType = iota + 1 // client request to connect
	CONNACK                           // connect acknowledgment
	PUBLISH                           // publish message
	PUBACK                            // publish acknowledgment (QoS 1)
	PUBREC                            // publish received (QoS 2, step 1)
	PUBREL                            // publish release (QoS 2, step 2)
	PUBCOMP                           // publish complete (QoS 2, step 3)
	SUBSCRIBE                         // subscribe request
	SUBACK                            // subscribe acknowledgment
	UNSUBSCRIBE                       // unsubscribe request
	UNSUBACK                          // unsubscribe acknowledgment
	PINGREQ                           // ping request
	PINGRESP                          // ping response
	DISCONNECT                        // client is disconnecting
)

var PacketTypeMap = map[PacketType]string{
	CONNECT:     "CONNECT",
	CONNACK:     "CONNACK",
	PUBLISH:     "PUBLISH",
	PUBACK:      "PUBACK",
	PUBREC:      "PUBREC",
	PUBREL:      "PUBREL",
	PUBCOMP:     "PUBCOMP",
	SUBSCRIBE:   "SUBSCRIBE",
	SUBACK:      "SUBACK",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	UNSUBACK:    "UNSUBACK",
	PINGREQ:     "PINGREQ",
	PINGRESP:    "PINGRESP",
	DISCONNECT:  "DISCONNECT",
}

func (packetType PacketType) String() string {
	if s, ok := PacketTypeMap[packetType]; ok {
		return s
	}
	return "UNKNOWN"
}

// allowedFlags lists the fixed header flag bits each packet type may carry.
var allowedFlags = map[PacketType]byte{
	CONNECT:     0x00,
	CONNACK:     0x00,
	PUBLISH:     0x0F,
	PUBACK:      0x00,
	PUBREC:      0x00,
	PUBREL:      0x02,
	PUBCOMP:     0x00,
	SUBSCRIBE:   0x02,
	SUBACK:      0x00,
	UNSUBSCRIBE: 0x02,
	UNSUBACK:    0x00,
	PINGREQ:     0x00,
	PINGRESP:    0x00,
	DISCONNECT:  0x00,
}

type FixedHeader struct {
	Type            PacketType
	Flags           byte
	RemainingLength int
}

// Payload is the variable header plus payload with a read cursor.
type Payload struct {
	Context    []byte
	ContextLen int
	CurrentPtr int
}

type Packet struct {
	Header  *FixedHeader
	Payload *Payload
}

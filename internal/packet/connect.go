package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

// ConnectPacketFlag holds the CONNECT flag byte.
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	RemainFlag      bool
	QoSLevel        byte
	WillMessageFlag bool
	CleanSession    bool
}

type ConnectPacketPayloads struct {
	ProtocolLevel      byte
	ConnectFlag        ConnectPacketFlag
	ClientIdentifier   FieldPayload
	UsernamePayload    FieldPayload
	PasswordPayload    FieldPayload
	WillMessageTopic   FieldPayload
	WillMessageContent FieldPayload
	KeepAlive          int
}

func (c *ConnectPacketPayloads) ClientID() string {
	return c.ClientIdentifier.String()
}

func NewConnectAckPacket(sessionStatus bool, returnCode ConnectRespType) []byte {
	if sessionStatus {
		return []byte{0x20, 0x02, 0x01, byte(returnCode)}
	}
	return []byte{0x20, 0x02, 0x00, byte(returnCode)}
}

// ParseConnectAckPacket returns the session present flag and return code.
func ParseConnectAckPacket(packet *mqtt.Packet) (bool, ConnectRespType, error) {
	data, err := readPacketBytes(packet.Payload, 2)
	if err != nil {
		return false, 0, err
	}
	return data[0]&0x01 == 1, ConnectRespType(data[1]), nil
}

// ParseConnectPacket decodes the CONNECT variable header and payload. The
// returned byte slice, when not nil, is a CONNACK to send before closing.
func ParseConnectPacket(packet *mqtt.Packet) (ConnectPacketPayloads, []byte, error) {
	payload := packet.Payload
	result := ConnectPacketPayloads{}

	protocolString, err := readPacketPayload(payload)
	if err != nil {
		return result, nil, errors.New("unable to check protocol string")
	}
	name := protocolString.String()
	if name != "MQTT" && name != "MQIsdp" {
		return result, nil, fmt.Errorf("incorrect Protocol String: %s", name)
	}

	if !payload.CheckRemainingLength() {
		return result, nil, errors.New("insufficient bytes for protocol version")
	}
	protocolVersion, err := readPacketByte(payload)
	if err != nil {
		return result, nil, fmt.Errorf("unable to read protocol version, details: %v", err)
	}
	if protocolVersion != 0x04 && protocolVersion != 0x03 {
		return result, NewConnectAckPacket(false, UnacceptableProtocol), errors.New("protocol version does not match")
	}
	result.ProtocolLevel = protocolVersion

	if !payload.CheckRemainingLength() {
		return result, nil, errors.New("insufficient bytes for connect flags")
	}
	connectFlag, err := readPacketByte(payload)
	if err != nil {
		return result, nil, fmt.Errorf("unable to read connect flag, details: %v", err)
	}
	if connectFlag&0x01 != 0 {
		return result, nil, errors.New("reserved connect flag must be 0")
	}

	result.ConnectFlag = ConnectPacketFlag{
		UsernameFlag:    (connectFlag&0x80)>>7 == 1,
		PasswordFlag:    (connectFlag&0x40)>>6 == 1,
		RemainFlag:      (connectFlag&0x20)>>5 == 1,
		QoSLevel:        (connectFlag & 0x18) >> 3,
		WillMessageFlag: (connectFlag&0x04)>>2 == 1,
		CleanSession:    (connectFlag&0x02)>>1 == 1,
	}

	if !result.ConnectFlag.WillMessageFlag && (result.ConnectFlag.RemainFlag || result.ConnectFlag.QoSLevel != 0) {
		return result, nil, errors.New("when will message flag is not set, remain flag must not be set and QoSLevel must be 0")
	}
	if result.ConnectFlag.QoSLevel > 2 {
		return result, nil, errors.New("will QoS must not be 3")
	}

	keepAlive, err := readPacketID(payload)
	if err != nil {
		return result, nil, errors.New("unable to read keep alive time")
	}
	result.KeepAlive = int(keepAlive)

	clientID, err := readPacketPayload(payload)
	if err != nil {
		return result, nil, fmt.Errorf("client ID: %w", err)
	}
	result.ClientIdentifier = clientID

	if result.ConnectFlag.WillMessageFlag {
		willTopic, err := readPacketPayload(payload)
		if err != nil {
			return result, nil, fmt.Errorf("will topic: %w", err)
		}
		result.WillMessageTopic = willTopic

		willContent, err := readPacketPayload(payload)
		if err != nil {
			return result, nil, fmt.Errorf("will content: %w", err)
		}
		result.WillMessageContent = willContent
	}

	if result.ConnectFlag.UsernameFlag {
		username, err := readPacketPayload(payload)
		if err != nil {
			return result, nil, fmt.Errorf("username: %w", err)
		}
		result.UsernamePayload = username
	}

	if result.ConnectFlag.PasswordFlag {
		password, err := readPacketPayload(payload)
		if err != nil {
			return result, nil, fmt.Errorf("password: %w", err)
		}
		result.PasswordPayload = password
	}

	return result, nil, nil
}

// NewConnectPacket builds a version 4 CONNECT from the given payloads.
func NewConnectPacket(c *ConnectPacketPayloads) []byte {
	flags := byte(0)
	if c.ConnectFlag.UsernameFlag {
		flags |= 0x80
	}
	if c.ConnectFlag.PasswordFlag {
		flags |= 0x40
	}
	if c.ConnectFlag.WillMessageFlag {
		flags |= 0x04
		flags |= c.ConnectFlag.QoSLevel << 3
		if c.ConnectFlag.RemainFlag {
			flags |= 0x20
		}
	}
	if c.ConnectFlag.CleanSession {
		flags |= 0x02
	}

	body := appendField(nil, []byte("MQTT"))
	body = append(body, 0x04, flags)
	body = append(body, mqtt.UInt16ToByte(uint16(c.KeepAlive))...)
	body = appendField(body, c.ClientIdentifier.Payload)
	if c.ConnectFlag.WillMessageFlag {
		body = appendField(body, c.WillMessageTopic.Payload)
		body = appendField(body, c.WillMessageContent.Payload)
	}
	if c.ConnectFlag.UsernameFlag {
		body = appendField(body, c.UsernamePayload.Payload)
	}
	if c.ConnectFlag.PasswordFlag {
		body = appendField(body, c.PasswordPayload.Payload)
	}
	return mqtt.Encode(byte(mqtt.CONNECT)<<4, body)
}

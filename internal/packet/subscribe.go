package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

type Subscription struct {
	TopicName string
	QoSLevel  byte
}

type SubscribePacketPayloads struct {
	PacketID      uint16
	Subscriptions []*Subscription
}

func NewSubAckPacket(packetID uint16, states []SubscribeState) []byte {
	body := make([]byte, 0, 2+len(states))
	body = append(body, mqtt.UInt16ToByte(packetID)...)
	for _, state := range states {
		body = append(body, byte(state))
	}
	return mqtt.Encode(byte(mqtt.SUBACK)<<4, body)
}

// ParseSubAckPacket returns the packet id and granted states.
func ParseSubAckPacket(packet *mqtt.Packet) (uint16, []SubscribeState, error) {
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return 0, nil, err
	}
	rest, err := readPacketBytes(packet.Payload, packet.Payload.Remaining())
	if err != nil {
		return 0, nil, err
	}
	states := make([]SubscribeState, len(rest))
	for i, b := range rest {
		states[i] = SubscribeState(b)
	}
	return packetID, states, nil
}

func NewSubscribePacket(packetID uint16, subscriptions []*Subscription) []byte {
	body := mqtt.UInt16ToByte(packetID)
	for _, sub := range subscriptions {
		body = appendField(body, []byte(sub.TopicName))
		body = append(body, sub.QoSLevel)
	}
	return mqtt.Encode(byte(mqtt.SUBSCRIBE)<<4|0x02, body)
}

func ParseSubscribePacket(packet *mqtt.Packet) (*SubscribePacketPayloads, error) {
	result := &SubscribePacketPayloads{
		Subscriptions: make([]*Subscription, 0),
	}

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
		qos, err := readPacketByte(packet.Payload)
		if err != nil {
			return result, fmt.Errorf("error occured when reading qos level, details: %v", err)
		}
		if qos&0xFC != 0 {
			return result, fmt.Errorf("reserved bits of requested QoS must be 0, got %08b", qos)
		}
		result.Subscriptions = append(result.Subscriptions, &Subscription{
			TopicName: topicFilter.String(),
			QoSLevel:  qos & 0x03,
		})
	}

	if len(result.Subscriptions) == 0 {
		return result, errors.New("subscribe packet contains no topic filter")
	}

	return result, nil
}

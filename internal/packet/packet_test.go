package packet

import (
	"bytes"
	"testing"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw []byte) *mqtt.Packet {
	t.Helper()
	packet, err := mqtt.ReadPacket(bytes.NewReader(raw), 0)
	require.NoError(t, err)
	return packet
}

func TestConnectPacket(t *testing.T) {
	raw := NewConnectPacket(&ConnectPacketPayloads{
		ConnectFlag: ConnectPacketFlag{
			UsernameFlag:    true,
			PasswordFlag:    true,
			WillMessageFlag: true,
			QoSLevel:        1,
			RemainFlag:      true,
		},
		ClientIdentifier:   NewFieldPayload("sensor-1"),
		UsernamePayload:    NewFieldPayload("user"),
		PasswordPayload:    NewFieldPayload("secret"),
		WillMessageTopic:   NewFieldPayload("sensors/1/online"),
		WillMessageContent: NewFieldPayload("false"),
		KeepAlive:          30,
	})

	result, resp, err := ParseConnectPacket(decode(t, raw))
	require.NoError(t, err)
	require.Nil(t, resp)
	assert.Equal(t, "sensor-1", result.ClientID())
	assert.Equal(t, "user", result.UsernamePayload.String())
	assert.Equal(t, "secret", result.PasswordPayload.String())
	assert.Equal(t, "sensors/1/online", result.WillMessageTopic.String())
	assert.Equal(t, "false", result.WillMessageContent.String())
	assert.Equal(t, byte(1), result.ConnectFlag.QoSLevel)
	assert.True(t, result.ConnectFlag.RemainFlag)
	assert.False(t, result.ConnectFlag.CleanSession)
	assert.Equal(t, 30, result.KeepAlive)
}

func TestConnectPacketBadVersion(t *testing.T) {
	body := appendField(nil, []byte("MQTT"))
	body = append(body, 0x05, 0x02, 0x00, 0x3C)
	body = appendField(body, []byte("x"))

	_, resp, err := ParseConnectPacket(decode(t, mqtt.Encode(byte(mqtt.CONNECT)<<4, body)))
	require.Error(t, err)
	require.Equal(t, NewConnectAckPacket(false, UnacceptableProtocol), resp)
}

func TestConnectAck(t *testing.T) {
	present, code, err := ParseConnectAckPacket(decode(t, NewConnectAckPacket(true, AuthenticationFailed)))
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, AuthenticationFailed, code)
}

func TestPublishPacket(t *testing.T) {
	tests := []struct {
		name string
		in   PublishPacketPayloads
	}{
		{"qos0", PublishPacketPayloads{TopicName: NewFieldPayload("a/b"), Payload: []byte("1")}},
		{"qos1 retain", PublishPacketPayloads{
			PacketFlag: PublishPacketFlag{QoS: 1, Retain: true},
			TopicName:  NewFieldPayload("a/b"), PacketID: 7, Payload: []byte("true"),
		}},
		{"qos2 dup", PublishPacketPayloads{
			PacketFlag: PublishPacketFlag{QoS: 2, RetryFlag: true},
			TopicName:  NewFieldPayload("x"), PacketID: 65535, Payload: []byte{},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			result, err := ParsePublishPacket(decode(t, NewPublishPacket(&in)))
			require.NoError(t, err)
			assert.Equal(t, in.PacketFlag, result.PacketFlag)
			assert.Equal(t, in.Topic(), result.Topic())
			assert.Equal(t, in.PacketID, result.PacketID)
			assert.Equal(t, string(in.Payload), string(result.Payload))
		})
	}
}

func TestPublishPacketRejectsZeroID(t *testing.T) {
	raw := NewPublishPacket(&PublishPacketPayloads{
		PacketFlag: PublishPacketFlag{QoS: 1},
		TopicName:  NewFieldPayload("a"),
		PacketID:   0,
	})
	_, err := ParsePublishPacket(decode(t, raw))
	require.Error(t, err)
}

func TestAckPackets(t *testing.T) {
	for _, pt := range []mqtt.PacketType{mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP, mqtt.UNSUBACK} {
		packet := decode(t, NewAckPacket(pt, 42))
		require.Equal(t, pt, packet.Header.Type)
		id, err := ParseAckPacket(packet)
		require.NoError(t, err)
		require.Equal(t, uint16(42), id)
	}
}

func TestSubscribePacket(t *testing.T) {
	raw := NewSubscribePacket(3, []*Subscription{{TopicName: "a/#", QoSLevel: 1}, {TopicName: "b", QoSLevel: 2}})
	result, err := ParseSubscribePacket(decode(t, raw))
	require.NoError(t, err)
	require.Equal(t, uint16(3), result.PacketID)
	require.Len(t, result.Subscriptions, 2)
	assert.Equal(t, "a/#", result.Subscriptions[0].TopicName)
	assert.Equal(t, byte(1), result.Subscriptions[0].QoSLevel)
	assert.Equal(t, byte(2), result.Subscriptions[1].QoSLevel)

	id, states, err := ParseSubAckPacket(decode(t, NewSubAckPacket(3, []SubscribeState{SuccessQos1, Failure})))
	require.NoError(t, err)
	require.Equal(t, uint16(3), id)
	require.Equal(t, []SubscribeState{SuccessQos1, Failure}, states)
}

func TestUnsubscribePacket(t *testing.T) {
	result, err := ParseUnSubscribePacket(decode(t, NewUnSubscribePacket(9, []string{"a/#", "b"})))
	require.NoError(t, err)
	require.Equal(t, uint16(9), result.PacketID)
	require.Equal(t, []string{"a/#", "b"}, result.Topics)

	_, err = ParseUnSubscribePacket(decode(t, mqtt.Encode(byte(mqtt.UNSUBSCRIBE)<<4|0x02, []byte{0, 1})))
	require.Error(t, err)
}

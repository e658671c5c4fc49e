package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/connection"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/session"
)

var errUnexpectedPacket = errors.New("unexpected packet")

type connectionHandler struct {
	broker    *Broker
	conn      *connection.Connection
	connId    string
	client    *session.Client
	keepAlive time.Duration
	graceful  bool
}

func (c *connectionHandler) handleFirstPacket() error {
	b := c.broker
	_ = c.conn.SetReadDeadline(time.Now().Add(b.opts.ConnectTimeout))
	packet, err := mqtt.ReadPacket(c.conn, b.opts.firstPacketLimit())
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connId, err)
		return err
	}

	if packet.Header.Type != mqtt.CONNECT {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.connId, mqtt.CONNECT.String(), packet.Header.Type.String())
		return errUnexpectedPacket
	}

	clientInfo, resp, err := pa.ParseConnectPacket(packet)
	if resp != nil {
		if err := c.conn.Send(resp); err != nil {
			return err
		}
	}
	if err != nil {
		logger.ErrorF("[%s] Fail to parse CONNECT packet, details: %v", c.connId, err)
		return err
	}

	if err := b.sessions.Authenticate(clientInfo.UsernamePayload.String(), clientInfo.PasswordPayload.String()); err != nil {
		logger.WarnF("[%s] Client %q rejected: %v", c.connId, clientInfo.ClientID(), err)
		_ = c.conn.Send(pa.NewConnectAckPacket(false, pa.AuthenticationFailed))
		return err
	}

	clientID := clientInfo.ClientID()
	clean := clientInfo.ConnectFlag.CleanSession
	if clientID == "" {
		clientID = uuid.NewString()
		clean = true
		logger.DebugF("[%s] Empty client id, assigned %s", c.connId, clientID)
	}

	var will *session.Will
	if clientInfo.ConnectFlag.WillMessageFlag {
		will = &session.Will{
			Topic:   clientInfo.WillMessageTopic.String(),
			Payload: clientInfo.WillMessageContent.Payload,
			QoS:     clientInfo.ConnectFlag.QoSLevel,
			Retain:  clientInfo.ConnectFlag.RemainFlag,
		}
	}

	c.keepAlive = time.Duration(clientInfo.KeepAlive) * time.Second
	client, sessionPresent, displaced := b.sessions.Attach(b.ctx, session.AttachInfo{
		ClientID:  clientID,
		Clean:     clean,
		KeepAlive: c.keepAlive,
		Will:      will,
	}, c.conn)
	if displaced != nil {
		_ = displaced.Conn.Close()
	}
	c.client = client
	c.connId = fmt.Sprintf("%s|%s", clientID, c.conn.ConnID)

	if err := c.conn.Send(pa.NewConnectAckPacket(sessionPresent, pa.Accepted)); err != nil {
		return err
	}
	logger.InfoF("[%s] Client connected, clean session %t, session present %t", c.connId, clean, sessionPresent)

	if sessionPresent {
		c.resendQueue()
	}

	if c.keepAlive == 0 {
		logger.WarnF("[%s] Keep alive set to 0, heartbeat disable", c.connId)
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	b.clientConnected(b.ctx, clientID, true)
	return nil
}

// resendQueue retransmits everything a resumed session still has in flight.
func (c *connectionHandler) resendQueue() {
	msgs := c.client.Queue.All()
	if len(msgs) == 0 {
		return
	}
	logger.InfoF("[%s] Resending %d queued messages", c.connId, len(msgs))
	c.broker.resend(c.client, msgs)
}

func (c *connectionHandler) handlePacket() {
	b := c.broker
	for {
		if c.keepAlive != 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.keepAlive + c.keepAlive/2))
		}

		packet, err := mqtt.ReadPacket(c.conn, b.opts.MaxPacketSize)
		if err != nil {
			connection.HandleReadError(c.connId, err)
			return
		}

		_ = c.conn.SetReadDeadline(time.Time{})

		if !b.sessions.IsCurrent(c.client) {
			logger.DebugF("[%s] Connection superseded, ignoring %s", c.connId, packet.Header.Type)
			return
		}

		logger.DebugF("[%s] Receive %s package, %d bytes", c.connId, packet.Header.Type, packet.Header.RemainingLength)

		switch packet.Header.Type {
		case mqtt.CONNECT:
			logger.ErrorF("[%s] Duplicate CONNECT package", c.connId)
			return
		case mqtt.PUBLISH:
			result, err := pa.ParsePublishPacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to handle publish packet, details: %v", c.connId, err)
				return
			}
			if err := c.handlePublish(result); err != nil {
				return
			}
		case mqtt.PUBACK, mqtt.PUBREC, mqtt.PUBREL, mqtt.PUBCOMP:
			id, err := pa.ParseAckPacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to handle %s packet, details: %v", c.connId, packet.Header.Type, err)
				return
			}
			if err := c.handleAck(packet.Header.Type, id); err != nil {
				return
			}
		case mqtt.SUBSCRIBE:
			result, err := pa.ParseSubscribePacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to handle subscribe packet, details: %v", c.connId, err)
				return
			}
			if err := b.handleSubscribe(c.client, result); err != nil {
				if !errors.Is(err, errSuperseded) {
					logger.ErrorF("[%s] Fail to send subscribe ack packet, details: %v", c.connId, err)
				}
				return
			}
		case mqtt.UNSUBSCRIBE:
			result, err := pa.ParseUnSubscribePacket(packet)
			if err != nil {
				logger.ErrorF("[%s] Fail to handle unsubscribe packet, details: %v", c.connId, err)
				return
			}
			for _, t := range result.Topics {
				if !c.client.Registry.Unsubscribe(t) {
					logger.DebugF("[%s] Unsubscribe from unknown topic %s", c.connId, t)
				}
			}
			if err := c.conn.Send(pa.NewUnSubAckPacket(result.PacketID)); err != nil {
				logger.ErrorF("[%s] Fail to send unsubscribe ack packet, details: %v", c.connId, err)
				return
			}
		case mqtt.PINGREQ:
			if err := c.conn.Send(pa.NewPingRespPacket()); err != nil {
				logger.WarnF("[%s] Fail to send PINGRESP packet, details: %v", c.connId, err)
				return
			}
		case mqtt.DISCONNECT:
			logger.InfoF("[%s] Client disconnect", c.connId)
			c.graceful = true
			return
		default:
			logger.WarnF("[%s] %s package has not been supported", c.connId, packet.Header.Type.String())
			return
		}
	}
}

func (c *connectionHandler) handlePublish(pub *pa.PublishPacketPayloads) error {
	b := c.broker
	switch pub.PacketFlag.QoS {
	case 0:
	case 1:
		if err := c.conn.Send(pa.NewAckPacket(mqtt.PUBACK, pub.PacketID)); err != nil {
			return err
		}
	case 2:
		stored := c.client.StoreReceived(pub)
		if err := c.conn.Send(pa.NewAckPacket(mqtt.PUBREC, pub.PacketID)); err != nil {
			return err
		}
		if !stored {
			logger.DebugF("[%s] Duplicate QoS 2 message %d ignored", c.connId, pub.PacketID)
		}
		// processed on PUBREL
		return nil
	}
	b.processPublish(c.client, pub.Topic(), pub.Payload, pub.PacketFlag.Retain)
	return nil
}

func (c *connectionHandler) handleAck(packetType mqtt.PacketType, id uint16) error {
	b := c.broker
	client := c.client
	switch packetType {
	case mqtt.PUBACK, mqtt.PUBCOMP:
		if _, ok := client.Queue.Ack(id); !ok {
			logger.WarnF("[%s] %s for unknown message %d", c.connId, packetType, id)
			return nil
		}
		client.PacketIDs.ReleaseID(id)
	case mqtt.PUBREC:
		if !client.Queue.Release(id, b.clock.Now()) {
			logger.WarnF("[%s] PUBREC for unknown message %d", c.connId, id)
			return nil
		}
		return c.conn.Send(pa.NewAckPacket(mqtt.PUBREL, id))
	case mqtt.PUBREL:
		pub, ok := client.TakeReceived(id)
		if err := c.conn.Send(pa.NewAckPacket(mqtt.PUBCOMP, id)); err != nil {
			return err
		}
		if !ok {
			logger.WarnF("[%s] PUBREL for unknown message %d", c.connId, id)
			return nil
		}
		b.processPublish(client, pub.Topic(), pub.Payload, pub.PacketFlag.Retain)
	}
	return nil
}

func (c *connectionHandler) handleConnection() {
	defer func() {
		_ = c.conn.Close()
		if c.client != nil {
			c.broker.detach(c.client, c.graceful)
		}
	}()

	if err := c.handleFirstPacket(); err != nil {
		return
	}

	c.handlePacket()
}

// queuedPacket renders a queue entry as the packet to transmit.
func queuedPacket(msg queue.PendingMessage) []byte {
	if msg.Stage == queue.StagePubRel {
		return pa.NewAckPacket(mqtt.PUBREL, msg.MessageID)
	}
	return pa.NewPublishPacket(&pa.PublishPacketPayloads{
		PacketFlag: pa.PublishPacketFlag{RetryFlag: msg.Dup, QoS: msg.QoS, Retain: msg.Retain},
		TopicName:  pa.NewFieldPayload(msg.Topic),
		PacketID:   msg.MessageID,
		Payload:    msg.Payload,
	})
}

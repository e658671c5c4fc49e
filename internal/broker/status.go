package broker

import (
	"context"
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
)

const (
	connectionStatusID = "info.connection"
	clientStatusPrefix = "info.clients."
)

// clientConnected reflects a connect or disconnect in the status entries.
func (b *Broker) clientConnected(ctx context.Context, clientID string, connected bool) {
	b.updateConnectionStatus(ctx)
	if b.opts.NoClientStatus {
		return
	}
	id := b.codec.LocalID(clientStatusPrefix + sanitizeClientID(clientID) + ".connected")
	b.writeStatus(ctx, id, store.TypeBoolean, connected)
}

// updateConnectionStatus writes the comma separated list of connected ids.
func (b *Broker) updateConnectionStatus(ctx context.Context) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	list := strings.Join(b.sessions.ConnectedIDs(), ",")
	b.writeStatus(ctx, b.codec.LocalID(connectionStatusID), store.TypeString, list)
}

func (b *Broker) writeStatus(ctx context.Context, id string, t store.ValueType, v any) {
	if _, err := b.store.CreateEntry(ctx, id, t, store.Metadata{Name: id, Role: "indicator", Read: true}); err != nil {
		logger.WarnF("Cannot create status entry %s: %v", id, err)
		return
	}
	if err := b.store.WriteValue(ctx, id, store.State{Value: v, Acknowledged: true, Origin: b.origin}); err != nil {
		logger.WarnF("Cannot write status entry %s: %v", id, err)
	}
}

func sanitizeClientID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '*', '?', '[', ']', '"', '\'':
			return '_'
		}
		return r
	}, id)
}

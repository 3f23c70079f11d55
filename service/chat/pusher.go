package chat

import (
	"context"
	"encoding/json"
	"errors"

	"PPChat/logger"
	"PPChat/service/bus"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// DeliverPayload deliver.<node> 频道的消息：目标节点把 frame 写给列出的本地 socket
type DeliverPayload struct {
	SocketIDs []string        `json:"socketIds"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

// Pusher 用户级扇出：查注册表按节点分组，本节点直写，其他节点每个发一条 deliver
type Pusher struct {
	nodeID   string
	hub      *Hub
	registry *storage.ConnRegistry
	bus      *bus.Bus
}

func NewPusher(nodeID string, hub *Hub, registry *storage.ConnRegistry, b *bus.Bus) *Pusher {
	return &Pusher{nodeID: nodeID, hub: hub, registry: registry, bus: b}
}

func (p *Pusher) PushToUsers(ctx context.Context, userIDs []string, event string, data any, excludeSocket string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errs.WrapMsg(err, "marshal push data", "event", event)
	}
	frame, err := EncodeFrame(event, json.RawMessage(payload))
	if err != nil {
		return err
	}

	var errList []error
	remote := make(map[string][]string)
	seen := make(map[string]struct{}, len(userIDs))
	for _, uid := range userIDs {
		if _, dup := seen[uid]; dup || uid == "" {
			continue
		}
		seen[uid] = struct{}{}

		conns, err := p.registry.GetUserConnections(ctx, uid)
		if err != nil {
			// 注册表不可用时至少把本节点的连接送到
			errList = append(errList, err)
			for _, s := range p.hub.SocketsOf(uid) {
				if s.ID != excludeSocket {
					s.Enqueue(frame)
				}
			}
			continue
		}
		for _, c := range conns {
			if c.SocketID == excludeSocket {
				continue
			}
			if c.ServerInstanceID == p.nodeID {
				if s := p.hub.Get(c.SocketID); s != nil {
					s.Enqueue(frame)
				}
				continue
			}
			remote[c.ServerInstanceID] = append(remote[c.ServerInstanceID], c.SocketID)
		}
	}

	for node, sids := range remote {
		err := p.bus.Publish(ctx, bus.DeliverChannel(node), DeliverPayload{SocketIDs: sids, Event: event, Data: payload})
		if err != nil {
			logger.Warn("cross-node deliver failed", zap.String("node", node), zap.Int("sockets", len(sids)), zap.Error(err))
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// HandleDeliver 订阅本节点的 deliver 频道；socket 已经不在本节点的直接忽略
func (p *Pusher) HandleDeliver(_ context.Context, env bus.Envelope) error {
	var d DeliverPayload
	if err := env.Decode(&d); err != nil {
		return err
	}
	frame, err := EncodeFrame(d.Event, d.Data)
	if err != nil {
		return err
	}
	for _, sid := range d.SocketIDs {
		s := p.hub.Get(sid)
		if s == nil {
			logger.Debug("deliver target gone", zap.String("socket", sid), zap.String("event", d.Event))
			continue
		}
		s.Enqueue(frame)
	}
	return nil
}

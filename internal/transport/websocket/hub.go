// Package websocket pushes deployment log lines and status changes to
// live observers, one channel per deployment.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/event"
	"github.com/ouyangCL/remote-build/internal/logger"
)

// keepalivePeriod spaces the marker frames consumers ignore; they exist
// so idle steps do not look like a dead connection.
const keepalivePeriod = 25 * time.Second

// Frame is the wire envelope for every push message.
type Frame struct {
	Type         string `json:"type"` // log | status | finished | keepalive
	DeploymentID int64  `json:"deployment_id,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	channels map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	events     chan *Frame

	log logger.Logger
}

func NewHub(parent context.Context, log logger.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)

	return &Hub{
		ctx:    ctx,
		cancel: cancel,

		channels: make(map[string]map[*Client]bool),

		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan *Frame, 100),

		log: log,
	}
}

// Attach wires the hub to the internal bus. Bus handlers only enqueue, so
// the orchestrator never blocks on a slow socket.
func (h *Hub) Attach(bus *event.Bus) {
	bus.Subscribe(domain.EventNameDeploymentLogAppended, func(e any) {
		ev, ok := e.(domain.EventDeploymentLogAppended)
		if !ok {
			return
		}
		h.Broadcast(&Frame{Type: "log", DeploymentID: ev.DeploymentID, Payload: ev.Entry})
	})

	bus.Subscribe(domain.EventNameDeploymentStatusChanged, func(e any) {
		ev, ok := e.(domain.EventDeploymentStatusChanged)
		if !ok {
			return
		}
		h.Broadcast(&Frame{Type: "status", DeploymentID: ev.DeploymentID, Payload: ev})
	})

	bus.Subscribe(domain.EventNameDeploymentFinished, func(e any) {
		ev, ok := e.(domain.EventDeploymentFinished)
		if !ok {
			return
		}
		h.Broadcast(&Frame{Type: "finished", DeploymentID: ev.DeploymentID, Payload: ev})
	})
}

func (h *Hub) Run() {
	keepalive := time.NewTicker(keepalivePeriod)
	defer keepalive.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.log.Info("ws: hub shutting down")
			for _, subs := range h.channels {
				for client := range subs {
					close(client.send)
				}
			}
			return

		case client := <-h.register:
			if h.channels[client.channel] == nil {
				h.channels[client.channel] = make(map[*Client]bool)
			}
			h.channels[client.channel][client] = true
			h.log.Debug("ws: client subscribed", "channel", client.channel)

		case client := <-h.unregister:
			if subs, ok := h.channels[client.channel]; ok && subs[client] {
				delete(subs, client)
				close(client.send)
				if len(subs) == 0 {
					delete(h.channels, client.channel)
				}
				h.log.Debug("ws: client unsubscribed", "channel", client.channel)
			}

		case frame := <-h.events:
			h.deliver(frame)

		case <-keepalive.C:
			for channel := range h.channels {
				h.deliverTo(channel, &Frame{Type: "keepalive"})
			}
		}
	}
}

func (h *Hub) Stop() { h.cancel() }

func (h *Hub) Broadcast(frame *Frame) {
	select {
	case h.events <- frame:
	case <-h.ctx.Done():
	}
}

func (h *Hub) deliver(frame *Frame) {
	h.deliverTo(channelName(frame.DeploymentID), frame)
}

func (h *Hub) deliverTo(channel string, frame *Frame) {
	subs, ok := h.channels[channel]
	if !ok {
		return
	}

	message, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("ws: failed to marshal frame", "error", err)
		return
	}

	for client := range subs {
		select {
		case client.send <- message:
		default:
			h.log.Warn("ws: client send buffer full, dropping connection", "channel", channel)
			delete(subs, client)
			close(client.send)
		}
	}
}

func channelName(deploymentID int64) string {
	return fmt.Sprintf("deployment:%d", deploymentID)
}

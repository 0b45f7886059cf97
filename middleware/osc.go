package middleware

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hypebeast/go-osc/osc"

	"github.com/vsariola/polysynth/bridge"
)

// OSCEndpoint lets a user interface talk to the engine over OSC/UDP. Every
// incoming message is forwarded to the engine unchanged; with a reply address
// set, everything the engine sends back, except ownership transfers, is
// forwarded there.
type OSCEndpoint struct {
	m      *MiddleWare
	conn   net.PacketConn
	server *osc.Server
	client *osc.Client
}

// ServeOSC starts listening on addr ("host:port"). reply may be empty. It
// must be called on the control goroutine.
func (m *MiddleWare) ServeOSC(addr, reply string) (*OSCEndpoint, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("osc: %w", err)
	}
	e := &OSCEndpoint{m: m, conn: conn}
	e.server = &osc.Server{Addr: addr, Dispatcher: e}
	if reply != "" {
		host, port, err := net.SplitHostPort(reply)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("osc reply address: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("osc reply port: %w", err)
		}
		e.client = osc.NewClient(host, p)
		m.OnReply(e.reply)
	}
	go func() {
		if err := e.server.Serve(conn); err != nil {
			m.logger.Debug("osc server stopped", "err", err)
		}
	}()
	m.logger.Info("listening for OSC", "addr", conn.LocalAddr().String(), "reply", reply)
	return e, nil
}

// Addr returns the local address the endpoint listens on.
func (e *OSCEndpoint) Addr() net.Addr { return e.conn.LocalAddr() }

func (e *OSCEndpoint) Close() error { return e.conn.Close() }

// Dispatch implements osc.Dispatcher. It runs on the server goroutine.
func (e *OSCEndpoint) Dispatch(packet osc.Packet) {
	switch p := packet.(type) {
	case *osc.Message:
		e.forward(p)
	case *osc.Bundle:
		for _, msg := range p.Messages {
			e.forward(msg)
		}
		for _, b := range p.Bundles {
			e.Dispatch(b)
		}
	}
}

func (e *OSCEndpoint) forward(msg *osc.Message) {
	args := make([]any, 0, len(msg.Arguments))
	for _, a := range msg.Arguments {
		switch v := a.(type) {
		case int32, float32, bool, string, []byte:
			args = append(args, v)
		case int64:
			args = append(args, int(v))
		case float64:
			args = append(args, float32(v))
		default:
			e.m.logger.Warn("osc: unsupported argument", "path", msg.Address, "type", fmt.Sprintf("%T", a))
			return
		}
	}
	path := msg.Address
	e.m.Do(func(m *MiddleWare) {
		if err := m.Send(path, args...); err != nil {
			m.logger.Warn("osc: message not delivered", "path", path, "err", err)
		}
	})
}

func (e *OSCEndpoint) reply(msg bridge.Message) {
	values := msg.Values()
	for _, v := range values {
		if _, ok := v.(bridge.Handle); ok {
			return
		}
	}
	if err := e.client.Send(osc.NewMessage(string(msg.Path()), values...)); err != nil {
		e.m.logger.Debug("osc: reply not sent", "err", err)
	}
}

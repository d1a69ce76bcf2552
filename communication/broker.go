// Package communication carries group events between processes over NATS and
// feeds task submissions from the local spool file into the distributor.
package communication

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/justSteve/claude-flow/core"
)

// Broker wraps a NATS connection, optionally owning an embedded server for
// single-binary deployments. Subjects follow swarm.<group>.<kind>.
type Broker struct {
	conn *nats.Conn
	srv  *server.Server
}

// Connect attaches to an external NATS server.
func Connect(url string) (*Broker, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &Broker{conn: conn}, nil
}

// StartEmbedded runs an in-process NATS server and connects to it. Pass
// port 0 to bind the default port, -1 to pick a random free one.
func StartEmbedded(port int) (*Broker, error) {
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: port,
	}
	if port < 0 {
		opts.Port = server.RANDOM_PORT
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("start embedded NATS server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS server: %w", err)
	}
	log.Printf("Embedded NATS server listening on %s", srv.ClientURL())
	return &Broker{conn: conn, srv: srv}, nil
}

// Subject builds the canonical subject for a group event kind.
func Subject(groupID, kind string) string {
	return fmt.Sprintf("swarm.%s.%s", groupID, kind)
}

// Publish sends a JSON envelope on the group's subject.
func (b *Broker) Publish(groupID, kind string, payload any) error {
	data := core.EncodeJSON(payload)
	if data == nil {
		return fmt.Errorf("encode payload for %s", Subject(groupID, kind))
	}
	if err := b.conn.Publish(Subject(groupID, kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(groupID, kind), err)
	}
	return nil
}

// Subscribe registers a handler for a group event kind. Use "*" as kind to
// receive everything published for the group.
func (b *Broker) Subscribe(groupID, kind string, handler func(m *nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(Subject(groupID, kind), handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Subject(groupID, kind), err)
	}
	return sub, nil
}

// URL returns the client URL of the server this broker talks to.
func (b *Broker) URL() string {
	if b.srv != nil {
		return b.srv.ClientURL()
	}
	return b.conn.ConnectedUrl()
}

// Close drains the connection and, if owned, shuts the embedded server down.
func (b *Broker) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			log.Printf("Error draining NATS connection: %v", err)
		}
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
	}
}

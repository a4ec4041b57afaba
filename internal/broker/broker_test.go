package broker

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/packet/utils"
)

// -- wire-format helpers (test-only encoders/decoders for the packet kinds
// the production code only ever constructs or only ever decodes, never
// both, since the broker is never its own client) --

func encodeUTF8(s string) []byte {
	b := make([]byte, 2+len(s))
	b[0] = byte(len(s) >> 8)
	b[1] = byte(len(s))
	copy(b[2:], s)
	return b
}

type connectOpts struct {
	clientID     string
	cleanSession bool
	keepAlive    uint16
	willTopic    string
	willMessage  string
	willQoS      byte
	willRetain   bool
}

func encodeConnect(o connectOpts) []byte {
	connectFlags := byte(0)
	if o.cleanSession {
		connectFlags |= 0x02
	}
	hasWill := o.willTopic != ""
	if hasWill {
		connectFlags |= 0x04
		connectFlags |= (o.willQoS & 0x03) << 3
		if o.willRetain {
			connectFlags |= 0x20
		}
	}

	var varHeader []byte
	varHeader = append(varHeader, 0x00, 0x04)
	varHeader = append(varHeader, []byte("MQTT")...)
	varHeader = append(varHeader, 4)
	varHeader = append(varHeader, connectFlags)
	varHeader = append(varHeader, byte(o.keepAlive>>8), byte(o.keepAlive))

	var payload []byte
	payload = append(payload, encodeUTF8(o.clientID)...)
	if hasWill {
		payload = append(payload, encodeUTF8(o.willTopic)...)
		payload = append(payload, encodeUTF8(o.willMessage)...)
	}

	remaining := len(varHeader) + len(payload)
	out := []byte{byte(packet.CONNECT)}
	out = append(out, utils.EncodeRemainingLength(remaining)...)
	out = append(out, varHeader...)
	out = append(out, payload...)
	return out
}

func encodeSubscribe(packetID uint16, filters []packet.SubscribeFilter) []byte {
	var payload []byte
	payload = append(payload, byte(packetID>>8), byte(packetID))
	for _, f := range filters {
		payload = append(payload, encodeUTF8(f.Topic)...)
		payload = append(payload, byte(f.QoS))
	}
	out := []byte{byte(packet.SUBSCRIBE) | 0x02}
	out = append(out, utils.EncodeRemainingLength(len(payload))...)
	out = append(out, payload...)
	return out
}

func encodeUnsubscribe(packetID uint16, filters []string) []byte {
	var payload []byte
	payload = append(payload, byte(packetID>>8), byte(packetID))
	for _, f := range filters {
		payload = append(payload, encodeUTF8(f)...)
	}
	out := []byte{byte(packet.UNSUBSCRIBE) | 0x02}
	out = append(out, utils.EncodeRemainingLength(len(payload))...)
	out = append(out, payload...)
	return out
}

var disconnectBytes = []byte{byte(packet.DISCONNECT), 0x00}

// brokerReply is a decoded packet sent by the Broker to a test client.
// packet.Parse only covers client->broker packet kinds, so replies are
// decoded here with each type's own Parse method (or, for CONNACK, which
// has no decode side in production since the broker never receives one,
// by hand).
type brokerReply struct {
	Type           packet.PacketType
	Raw            []byte
	SessionPresent bool
	ReturnCode     byte
	Publish        *packet.PublishPacket
	Puback         *packet.PubAckPacket
	Pubrec         *packet.PubRecPacket
	Pubcomp        *packet.PubCompPacket
	Suback         *packet.SubackPacket
	Unsuback       *packet.UnsubackPacket
}

func decodeReply(raw []byte) (*brokerReply, error) {
	r := &brokerReply{Type: packet.PacketType(raw[0] & 0xF0), Raw: raw}

	switch r.Type {
	case packet.CONNACK:
		if len(raw) != 4 {
			return nil, fmt.Errorf("malformed CONNACK: %x", raw)
		}
		r.SessionPresent = raw[2]&0x01 != 0
		r.ReturnCode = raw[3]
	case packet.PUBLISH:
		p := &packet.PublishPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		r.Publish = p
	case packet.PUBACK:
		p := &packet.PubAckPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		r.Puback = p
	case packet.PUBREC:
		p := &packet.PubRecPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		r.Pubrec = p
	case packet.PUBCOMP:
		p := &packet.PubCompPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		r.Pubcomp = p
	case packet.SUBACK:
		p := &packet.SubackPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		r.Suback = p
	case packet.UNSUBACK:
		p := &packet.UnsubackPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		r.Unsuback = p
	case packet.PINGRESP:
		// no payload to decode
	default:
		return nil, fmt.Errorf("unexpected reply packet type %x", r.Type)
	}
	return r, nil
}

// testClient drives one simulated socket against a Broker: it owns the
// server-side net.Conn handed to HandleRequest in a loop, and gives the
// test the client side to write requests and read responses on.
//
// net.Pipe is a synchronous, unbuffered rendezvous: unlike a real TCP
// socket, a write on one end blocks until the other end reads. The broker
// delivers publications to subscribers inline while holding its single
// mutex, so a test that blocks a subscriber's read behind an unrelated
// recv() on a different client can deadlock the whole broker. A background
// goroutine continuously drains each client's inbound side into a buffered
// channel so sends from the broker never wait on test code ordering.
type testClient struct {
	t      *testing.T
	server net.Conn
	client net.Conn
	replies chan *brokerReply
}

func dialTestClient(t *testing.T, b *Broker) *testClient {
	t.Helper()
	server, client := net.Pipe()
	tc := &testClient{t: t, server: server, client: client, replies: make(chan *brokerReply, 64)}
	go func() {
		br := bufio.NewReader(server)
		for {
			if b.HandleRequest(server, br) {
				return
			}
		}
	}()
	go func() {
		in := bufio.NewReader(client)
		for {
			raw, err := packet.GetPacket(in)
			if err != nil {
				close(tc.replies)
				return
			}
			reply, err := decodeReply(raw)
			if err != nil {
				tc.t.Errorf("failed to decode reply from broker: %v", err)
				close(tc.replies)
				return
			}
			tc.replies <- reply
		}
	}()
	return tc
}

func (tc *testClient) send(raw []byte) {
	tc.t.Helper()
	if _, err := tc.client.Write(raw); err != nil {
		tc.t.Fatalf("write to broker failed: %v", err)
	}
}

func (tc *testClient) recv() *brokerReply {
	tc.t.Helper()
	select {
	case reply, ok := <-tc.replies:
		if !ok {
			tc.t.Fatalf("broker closed the connection before sending a reply")
		}
		return reply
	case <-time.After(2 * time.Second):
		tc.t.Fatalf("timed out waiting for a reply from the broker")
		return nil
	}
}

func (tc *testClient) close() {
	tc.client.Close()
}

func TestHappyQoS0Delivery(t *testing.T) {
	b := New(nil, nil)

	a := dialTestClient(t, b)
	defer a.close()
	a.send(encodeConnect(connectOpts{clientID: "A", cleanSession: true}))
	if ack := a.recv(); ack.Type != packet.CONNACK || ack.ReturnCode != packet.ConnectionAccepted {
		t.Fatalf("expected CONNACK(0) for A, got %+v", ack)
	}

	a.send(encodeSubscribe(1, []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce}}))
	if suback := a.recv(); suback.Type != packet.SUBACK {
		t.Fatalf("expected SUBACK, got %x", suback.Type)
	}

	bb := dialTestClient(t, b)
	defer bb.close()
	bb.send(encodeConnect(connectOpts{clientID: "B", cleanSession: true}))
	if ack := bb.recv(); ack.Type != packet.CONNACK {
		t.Fatalf("expected CONNACK for B, got %x", ack.Type)
	}

	pub := &packet.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoSAtMostOnce}
	bb.send(pub.Encode())

	got := a.recv()
	if got.Type != packet.PUBLISH {
		t.Fatalf("expected PUBLISH on A, got %x", got.Type)
	}
	if got.Publish.Topic != "a/b" || string(got.Publish.Payload) != "x" || got.Publish.QoS != packet.QoSAtMostOnce {
		t.Fatalf("unexpected publish received: %+v", got.Publish)
	}
}

func TestQoS1DeliveryAssignsBrokerSideIDAndAcks(t *testing.T) {
	b := New(nil, nil)

	a := dialTestClient(t, b)
	defer a.close()
	a.send(encodeConnect(connectOpts{clientID: "A", cleanSession: true}))
	a.recv()
	a.send(encodeSubscribe(1, []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtLeastOnce}}))
	a.recv()

	bb := dialTestClient(t, b)
	defer bb.close()
	bb.send(encodeConnect(connectOpts{clientID: "B", cleanSession: true}))
	bb.recv()

	id := uint16(7)
	pub := &packet.PublishPacket{Topic: "a/b", Payload: []byte("y"), QoS: packet.QoSAtLeastOnce, PacketID: &id}
	bb.send(pub.Encode())

	puback := bb.recv()
	if puback.Type != packet.PUBACK || puback.Puback.PacketID != 7 {
		t.Fatalf("expected PUBACK(7) to B, got %+v", puback)
	}

	delivered := a.recv()
	if delivered.Type != packet.PUBLISH || delivered.Publish.PacketID == nil {
		t.Fatalf("expected PUBLISH with a packet id on A, got %+v", delivered)
	}
	brokerID := *delivered.Publish.PacketID

	a.send(packet.NewPubAck(brokerID))

	time.Sleep(20 * time.Millisecond) // let the broker goroutine process the ack

	b.mu.Lock()
	session := b.byClientID["A"]
	outstanding := len(session.outbound)
	b.mu.Unlock()
	if outstanding != 0 {
		t.Fatalf("expected A's outbound to be empty after PUBACK, got %d entries", outstanding)
	}
}

func TestQoS2WithPublishOnPubrelDefersDeliveryUntilPubrel(t *testing.T) {
	b := New(nil, nil, WithPublishOnPubrel(true))

	a := dialTestClient(t, b)
	defer a.close()
	a.send(encodeConnect(connectOpts{clientID: "A", cleanSession: true}))
	a.recv()
	a.send(encodeSubscribe(1, []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSExactlyOnce}}))
	a.recv()

	bb := dialTestClient(t, b)
	defer bb.close()
	bb.send(encodeConnect(connectOpts{clientID: "B", cleanSession: true}))
	bb.recv()

	id := uint16(3)
	pub := &packet.PublishPacket{Topic: "a/b", Payload: []byte("z"), QoS: packet.QoSExactlyOnce, PacketID: &id}
	bb.send(pub.Encode())

	pubrec := bb.recv()
	if pubrec.Type != packet.PUBREC || pubrec.Pubrec.PacketID != 3 {
		t.Fatalf("expected PUBREC(3), got %+v", pubrec)
	}

	// DeliveryEngine must not have been invoked yet: A has no delivery
	// pending before PUBREL.
	time.Sleep(10 * time.Millisecond)
	b.mu.Lock()
	aSession := b.byClientID["A"]
	beforePubrelOutbound := len(aSession.outbound)
	b.mu.Unlock()
	if beforePubrelOutbound != 0 {
		t.Fatalf("expected no delivery to A before PUBREL, got %d outbound", beforePubrelOutbound)
	}

	bb.send(packet.NewPubRel(3))
	pubcomp := bb.recv()
	if pubcomp.Type != packet.PUBCOMP || pubcomp.Pubcomp.PacketID != 3 {
		t.Fatalf("expected PUBCOMP(3), got %+v", pubcomp)
	}

	delivered := a.recv()
	if delivered.Type != packet.PUBLISH || delivered.Publish.Topic != "a/b" {
		t.Fatalf("expected delivery to A triggered by PUBREL, got %+v", delivered)
	}
}

func TestRedeliveredDuplicateQoS2DoesNotForwardTwice(t *testing.T) {
	b := New(nil, nil, WithPublishOnPubrel(false))

	a := dialTestClient(t, b)
	defer a.close()
	a.send(encodeConnect(connectOpts{clientID: "A", cleanSession: true}))
	a.recv()
	a.send(encodeSubscribe(1, []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSExactlyOnce}}))
	a.recv()

	bb := dialTestClient(t, b)
	defer bb.close()
	bb.send(encodeConnect(connectOpts{clientID: "B", cleanSession: true}))
	bb.recv()

	id := uint16(9)
	pub := &packet.PublishPacket{Topic: "a/b", Payload: []byte("z"), QoS: packet.QoSExactlyOnce, PacketID: &id}
	bb.send(pub.Encode())
	if pubrec := bb.recv(); pubrec.Type != packet.PUBREC {
		t.Fatalf("expected PUBREC, got %x", pubrec.Type)
	}
	first := a.recv()
	if first.Type != packet.PUBLISH {
		t.Fatalf("expected first delivery to A, got %x", first.Type)
	}

	// Redeliver the same id with DUP set, before PUBREL.
	dupPub := &packet.PublishPacket{Topic: "a/b", Payload: []byte("z"), QoS: packet.QoSExactlyOnce, PacketID: &id, DUP: true}
	bb.send(dupPub.Encode())
	if pubrec := bb.recv(); pubrec.Type != packet.PUBREC {
		t.Fatalf("expected PUBREC on redelivery, got %x", pubrec.Type)
	}

	time.Sleep(10 * time.Millisecond)
	b.mu.Lock()
	aSession := b.byClientID["A"]
	pendingForA := len(aSession.outbound)
	b.mu.Unlock()
	if pendingForA != 1 {
		t.Fatalf("redelivery before PUBREL must not forward a second time, got %d pending deliveries to A", pendingForA)
	}
}

func TestDuplicateClientIDTakeoverClosesPriorSocket(t *testing.T) {
	b := New(nil, nil)

	a := dialTestClient(t, b)
	defer a.close()
	a.send(encodeConnect(connectOpts{clientID: "c1", cleanSession: true}))
	a.recv()

	a2 := dialTestClient(t, b)
	defer a2.close()
	a2.send(encodeConnect(connectOpts{clientID: "c1", cleanSession: true}))
	ack := a2.recv()
	if ack.Type != packet.CONNACK || ack.ReturnCode != packet.ConnectionAccepted {
		t.Fatalf("expected CONNACK(0) for the taking-over connection, got %+v", ack)
	}

	select {
	case _, ok := <-a.replies:
		if ok {
			t.Fatalf("expected no further replies on the prior socket after takeover")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the prior socket to be closed on takeover")
	}
}

func TestSessionResumeRetainsStateAcrossAbnormalDisconnect(t *testing.T) {
	b := New(nil, nil)

	a := dialTestClient(t, b)
	a.send(encodeConnect(connectOpts{clientID: "c1", cleanSession: false}))
	a.recv()
	a.send(encodeSubscribe(1, []packet.SubscribeFilter{{Topic: "t", QoS: packet.QoSAtLeastOnce}}))
	a.recv()

	// Queue an in-flight publication for c1 while connected, then simulate
	// an abnormal TCP close (no DISCONNECT).
	bb := dialTestClient(t, b)
	defer bb.close()
	bb.send(encodeConnect(connectOpts{clientID: "B", cleanSession: true}))
	bb.recv()
	id := uint16(1)
	pub := &packet.PublishPacket{Topic: "t", Payload: []byte("m"), QoS: packet.QoSAtLeastOnce, PacketID: &id}
	bb.send(pub.Encode())
	bb.recv() // PUBACK to B
	a.recv()  // delivered PUBLISH to A, still in-flight (no PUBACK sent back)

	a.client.Close() // abnormal disconnect: EOF on the broker's read side

	time.Sleep(20 * time.Millisecond)

	b.mu.Lock()
	session, retained := b.byClientID["c1"]
	b.mu.Unlock()
	if !retained {
		t.Fatalf("expected a CleanSession=0 session to survive an abnormal disconnect for resume")
	}
	if len(session.outbound) != 1 {
		t.Fatalf("expected the in-flight publication to survive for replay, got %d", len(session.outbound))
	}

	// Reconnect with the same client id; the in-flight message must be
	// replayed with DUP=1 before the CONNECT handler returns control.
	a2 := dialTestClient(t, b)
	defer a2.close()
	a2.send(encodeConnect(connectOpts{clientID: "c1", cleanSession: false}))
	a2.recv() // CONNACK

	replay := a2.recv()
	if replay.Type != packet.PUBLISH || !replay.Publish.DUP {
		t.Fatalf("expected replayed PUBLISH with DUP=1, got %+v", replay)
	}
}

func TestKeepaliveTimeoutFiresWillAndDiscardsSession(t *testing.T) {
	b := New(nil, nil)

	a := dialTestClient(t, b)
	defer a.close()
	a.send(encodeConnect(connectOpts{
		clientID: "c1", cleanSession: false, keepAlive: 1,
		willTopic: "will/topic", willMessage: "bye", willQoS: 0,
	}))
	a.recv()

	watcher := dialTestClient(t, b)
	defer watcher.close()
	watcher.send(encodeConnect(connectOpts{clientID: "watcher", cleanSession: true}))
	watcher.recv()
	watcher.send(encodeSubscribe(1, []packet.SubscribeFilter{{Topic: "will/topic", QoS: packet.QoSAtMostOnce}}))
	watcher.recv()

	b.sweep(time.Now().Add(2 * time.Second)) // simulate 1.5x grace having elapsed

	msg := watcher.recv()
	if msg.Type != packet.PUBLISH || string(msg.Publish.Payload) != "bye" {
		t.Fatalf("expected the will to be published on keepalive timeout, got %+v", msg)
	}

	b.mu.Lock()
	_, stillBound := b.byClientID["c1"]
	b.mu.Unlock()
	if stillBound {
		t.Fatalf("expected keepalive timeout to discard the session regardless of CleanSession")
	}
}

func TestCleanDisconnectSuppressesWill(t *testing.T) {
	b := New(nil, nil)

	a := dialTestClient(t, b)
	a.send(encodeConnect(connectOpts{
		clientID: "c1", cleanSession: true,
		willTopic: "will/topic", willMessage: "bye",
	}))
	a.recv()

	watcher := dialTestClient(t, b)
	defer watcher.close()
	watcher.send(encodeConnect(connectOpts{clientID: "watcher", cleanSession: true}))
	watcher.recv()
	watcher.send(encodeSubscribe(1, []packet.SubscribeFilter{{Topic: "will/topic", QoS: packet.QoSAtMostOnce}}))
	watcher.recv()

	a.send(disconnectBytes)
	a.close()

	time.Sleep(20 * time.Millisecond)

	// No will publication should have been queued for the watcher.
	b.mu.Lock()
	w := b.byClientID["watcher"]
	pending := len(w.outbound)
	b.mu.Unlock()
	if pending != 0 {
		t.Fatalf("clean DISCONNECT must not fire the will, got %d pending deliveries", pending)
	}
}

func TestFirstPacketMustBeConnect(t *testing.T) {
	b := New(nil, nil)
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan bool, 1)
	go func() {
		br := bufio.NewReader(server)
		done <- b.HandleRequest(server, br)
	}()

	client.Write(disconnectBytes)
	if terminate := <-done; !terminate {
		t.Fatalf("expected a non-CONNECT first packet to terminate the connection [MQTT-3.1.0-1]")
	}
}

func TestUnsubscribeStopsDeliveryAndAcksPacketID(t *testing.T) {
	b := New(nil, nil)

	a := dialTestClient(t, b)
	defer a.close()
	a.send(encodeConnect(connectOpts{clientID: "A", cleanSession: true}))
	if ack := a.recv(); ack.Type != packet.CONNACK || ack.ReturnCode != packet.ConnectionAccepted {
		t.Fatalf("expected CONNACK(0) for A, got %+v", ack)
	}

	a.send(encodeSubscribe(1, []packet.SubscribeFilter{{Topic: "a/b", QoS: packet.QoSAtMostOnce}}))
	if suback := a.recv(); suback.Type != packet.SUBACK || suback.Suback.PacketID != 1 {
		t.Fatalf("expected SUBACK(1), got %+v", suback)
	}

	a.send(encodeUnsubscribe(7, []string{"a/b"}))
	unsuback := a.recv()
	if unsuback.Type != packet.UNSUBACK {
		t.Fatalf("expected UNSUBACK, got %x", unsuback.Type)
	}
	if unsuback.Unsuback.PacketID != 7 {
		t.Fatalf("expected UNSUBACK to echo packet id 7, got %d", unsuback.Unsuback.PacketID)
	}

	bb := dialTestClient(t, b)
	defer bb.close()
	bb.send(encodeConnect(connectOpts{clientID: "B", cleanSession: true}))
	if ack := bb.recv(); ack.Type != packet.CONNACK {
		t.Fatalf("expected CONNACK for B, got %x", ack.Type)
	}

	pub := &packet.PublishPacket{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoSAtMostOnce}
	bb.send(pub.Encode())

	select {
	case reply, ok := <-a.replies:
		if ok {
			t.Fatalf("expected no delivery to A after UNSUBSCRIBE, got %+v", reply)
		}
	case <-time.After(200 * time.Millisecond):
		// no delivery arrived, as expected
	}
}

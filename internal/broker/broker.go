package broker

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pyr33x/goqtt/internal/auth"
	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/pkg/er"
)

// RetainedMessage is the last retained publication stored for a topic.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
}

// Broker demultiplexes decoded packets to per-connection handlers, owns the
// client-id<->Session and socket<->Session maps, and serializes every state
// transition through a single mutex (see HandleRequest).
type Broker struct {
	mu sync.Mutex

	opts      Options
	authStore *auth.Store
	log       *logger.Logger

	byClientID map[string]*Session
	byConn     map[net.Conn]*Session

	subs     *SubscriptionTree
	retained map[string]*RetainedMessage
}

// New constructs a Broker. authStore may be nil to skip CONNECT credential
// checking entirely.
func New(log *logger.Logger, authStore *auth.Store, opts ...Option) *Broker {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker{
		opts:       o,
		authStore:  authStore,
		log:        log,
		byClientID: make(map[string]*Session),
		byConn:     make(map[net.Conn]*Session),
		subs:       NewSubscriptionTree(o.OverlappingSingle),
		retained:   make(map[string]*RetainedMessage),
	}
}

// HandleRequest reads exactly one framed packet from br, then acquires the
// broker's single lock to dispatch it, and reports whether the caller should
// close conn and stop reading. The read happens before the lock is taken, so
// a connection waiting for its next packet does not block every other one.
func (b *Broker) HandleRequest(conn net.Conn, br *bufio.Reader) (terminate bool) {
	raw, err := packet.GetPacket(br)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.abnormalDisconnect(conn)
		return true
	}

	parsed, err := packet.Parse(raw)
	if err != nil {
		b.rejectDuringParse(conn, err)
		return true
	}

	session, bound := b.byConn[conn]
	if !bound && parsed.Type != packet.CONNECT {
		if b.log != nil {
			b.log.Error("first packet on connection was not CONNECT [MQTT-3.1.0-1]")
		}
		conn.Close()
		return true
	}

	switch parsed.Type {
	case packet.CONNECT:
		session, terminate = b.handleConnect(conn, parsed.Connect)

	case packet.PUBLISH:
		terminate = b.handlePublish(conn, session, parsed.Publish)

	case packet.PUBACK:
		session.Puback(parsed.Puback.PacketID)

	case packet.PUBREC:
		if session.Pubrec(parsed.Pubrec.PacketID) {
			if _, err := conn.Write(packet.NewPubRel(parsed.Pubrec.PacketID)); err != nil && b.log != nil {
				b.log.LogError(err, "failed to send PUBREL", logger.ClientID(session.ClientID))
			}
		}

	case packet.PUBREL:
		b.handlePubrel(session, parsed.Pubrel.PacketID)
		// PUBCOMP is always sent, even if the id was unknown [MQTT-3.6.4-1].
		if _, err := conn.Write(packet.NewPubComp(parsed.Pubrel.PacketID)); err != nil && b.log != nil {
			b.log.LogError(err, "failed to send PUBCOMP [MQTT-3.6.4-1]", logger.ClientID(session.ClientID))
		}

	case packet.PUBCOMP:
		session.Pubcomp(parsed.Pubcomp.PacketID)

	case packet.SUBSCRIBE:
		b.handleSubscribe(conn, session, parsed.Subscribe)

	case packet.UNSUBSCRIBE:
		b.handleUnsubscribe(conn, session, parsed.Unsubscribe)

	case packet.PINGREQ:
		if _, err := conn.Write((&packet.PingrespPacket{}).Encode()); err != nil && b.log != nil {
			b.log.LogError(err, "failed to send PINGRESP", logger.ClientID(session.ClientID))
		}

	case packet.DISCONNECT:
		b.handleDisconnect(conn, session)
		terminate = true

	default:
		conn.Close()
		terminate = true
	}

	if session != nil && !terminate {
		session.LastPacket = time.Now()
	}

	return terminate
}

// rejectDuringParse maps a handful of pre-Session parse failures to the
// CONNACK return code the protocol requires before the connection is
// closed; everything else is a bare protocol violation. A connection that
// already has a Session is torn down as an abnormal disconnect, firing its
// will.
func (b *Broker) rejectDuringParse(conn net.Conn, err error) {
	var returnCode byte
	var hasCode bool

	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolName), errors.Is(err, er.ErrUnsupportedProtocolLevel):
		returnCode, hasCode = packet.UnacceptableProtocolVersion, true
	case errors.Is(err, er.ErrIdentifierRejected), errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed):
		returnCode, hasCode = packet.IdentifierRejected, true
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		returnCode, hasCode = packet.BadUsernameOrPassword, true
	}

	if b.log != nil {
		b.log.LogError(err, "malformed MQTT frame, protocol violation [MQTT-3.1.0-1]")
	}

	if hasCode {
		conn.Write(packet.NewConnAck(false, returnCode))
	}
	if session, ok := b.byConn[conn]; ok {
		b.teardown(conn, session, true, false)
		return
	}
	conn.Close()
}

func (b *Broker) handleConnect(conn net.Conn, cp *packet.ConnectPacket) (*Session, bool) {
	if prior, exists := b.byClientID[cp.ClientID]; exists {
		switch {
		case prior.Conn != nil && prior.Conn == conn:
			// Second CONNECT on the same connection [MQTT-3.1.0-2].
			if b.log != nil {
				b.log.Error("second CONNECT on one connection [MQTT-3.1.0-2]", logger.ClientID(cp.ClientID))
			}
			conn.Close()
			return nil, true

		case prior.Conn != nil:
			// Duplicate client id on a live socket: disconnect it first
			// [MQTT-3.1.4-2]. A clean new CONNECT discards the prior
			// session fully rather than leaving its subscriptions to
			// linger on a session object nothing can reach anymore.
			if b.log != nil {
				b.log.Info("client id already connected, taking over [MQTT-3.1.4-2]", logger.ClientID(cp.ClientID))
			}
			b.teardown(prior.Conn, prior, false, cp.CleanSession)

		case cp.CleanSession:
			// Prior session has no live socket (e.g. resumed from an
			// abnormal disconnect and never reconnected); nothing to
			// tear down, but a clean CONNECT still discards it.
			b.subs.UnsubscribeAll(prior.ClientID)
			delete(b.byClientID, prior.ClientID)
		}
	}

	if cp.UsernameFlag && cp.PasswordFlag && b.authStore != nil {
		if err := b.authStore.Authenticate(*cp.Username, *cp.Password); err != nil {
			if b.log != nil {
				b.log.LogAuth(cp.ClientID, *cp.Username, false, err.Error())
			}
			conn.Write(packet.NewConnAck(false, packet.BadUsernameOrPassword))
			conn.Close()
			return nil, true
		}
	}

	var session *Session
	sessionPresent := false

	if !cp.CleanSession {
		if existing, ok := b.byClientID[cp.ClientID]; ok {
			session = existing
			sessionPresent = true
		}
	}
	if session == nil {
		session = newSession(cp.ClientID, b.opts, b.log)
	}

	session.CleanSession = cp.CleanSession
	session.KeepAlive = cp.KeepAlive
	session.Conn = conn
	session.Connected = true
	session.LastPacket = time.Now()

	if cp.WillFlag {
		session.Will = &willMessage{
			Topic:   *cp.WillTopic,
			QoS:     packet.QoSLevel(cp.WillQoS),
			Payload: []byte(*cp.WillMessage),
			Retain:  cp.WillRetain,
		}
	} else {
		session.Will = nil
	}

	b.byClientID[cp.ClientID] = session
	b.byConn[conn] = session

	if _, err := conn.Write(packet.NewConnAck(sessionPresent, packet.ConnectionAccepted)); err != nil {
		if b.log != nil {
			b.log.LogError(err, "failed to send CONNACK", logger.ClientID(cp.ClientID))
		}
		b.teardown(conn, session, false, false)
		return nil, true
	}

	if b.log != nil {
		b.log.LogClientConnection(cp.ClientID, conn.RemoteAddr().String(), "connect")
	}

	// Replay in-flight messages in original order before returning control.
	session.Resend()

	return session, false
}

func (b *Broker) handlePublish(conn net.Conn, session *Session, pp *packet.PublishPacket) bool {
	if !IsValidTopicName(pp.Topic) {
		if b.log != nil {
			b.log.Error("wildcard in PUBLISH topic name, protocol violation [MQTT-3.3.2-2]", logger.ClientID(session.ClientID), logger.String("topic", pp.Topic))
		}
		b.teardown(conn, session, true, false)
		return true
	}

	switch pp.QoS {
	case packet.QoSAtMostOnce:
		b.routePublish(pp.Topic, pp.Payload, pp.QoS, pp.Retain)

	case packet.QoSAtLeastOnce:
		b.routePublish(pp.Topic, pp.Payload, pp.QoS, pp.Retain)
		if pp.PacketID != nil {
			if _, err := conn.Write(packet.NewPubAck(*pp.PacketID)); err != nil && b.log != nil {
				b.log.LogError(err, "failed to send PUBACK", logger.ClientID(session.ClientID))
			}
		}

	case packet.QoSExactlyOnce:
		if pp.PacketID == nil {
			break
		}
		id := *pp.PacketID

		if session.inboundQoS2Seen(id) {
			if !pp.DUP && b.log != nil {
				b.log.Warn("duplicate QoS 2 PUBLISH without DUP set [MQTT-2.1.2-2]", logger.ClientID(session.ClientID), logger.Int("packet_id", int(id)))
			}
		} else {
			session.storeInboundQoS2(id, pp)
			if !b.opts.PublishOnPubrel {
				b.routePublish(pp.Topic, pp.Payload, pp.QoS, pp.Retain)
			}
		}

		if _, err := conn.Write(packet.NewPubRec(id)); err != nil && b.log != nil {
			b.log.LogError(err, "failed to send PUBREC", logger.ClientID(session.ClientID))
		}
	}

	return false
}

func (b *Broker) handlePubrel(session *Session, id uint16) {
	pp, ok := session.Pubrel(id)
	if ok && b.opts.PublishOnPubrel && pp != nil {
		b.routePublish(pp.Topic, pp.Payload, pp.QoS, pp.Retain)
	}
}

func (b *Broker) handleSubscribe(conn net.Conn, session *Session, sp *packet.SubscribePacket) {
	returnCodes := make([]byte, len(sp.Filters))

	for i, filter := range sp.Filters {
		if !IsValidTopicFilter(filter.Topic) {
			returnCodes[i] = packet.SubackFailure
			continue
		}

		b.subs.Subscribe(session.ClientID, session, filter.Topic, filter.QoS)

		switch filter.QoS {
		case packet.QoSAtMostOnce:
			returnCodes[i] = packet.SubackMaxQoS0
		case packet.QoSAtLeastOnce:
			returnCodes[i] = packet.SubackMaxQoS1
		case packet.QoSExactlyOnce:
			returnCodes[i] = packet.SubackMaxQoS2
		default:
			returnCodes[i] = packet.SubackFailure
		}

		if b.log != nil {
			b.log.LogSubscription(session.ClientID, filter.Topic, int(filter.QoS), "subscribe")
		}

		b.sendRetained(session, filter.Topic, filter.QoS)
	}

	ack := &packet.SubackPacket{PacketID: sp.PacketID, ReturnCodes: returnCodes}
	if _, err := conn.Write(ack.Encode()); err != nil && b.log != nil {
		b.log.LogError(err, "failed to send SUBACK", logger.ClientID(session.ClientID))
	}
}

func (b *Broker) handleUnsubscribe(conn net.Conn, session *Session, up *packet.UnsubscribePacket) {
	for _, filter := range up.TopicFilters {
		b.subs.Unsubscribe(session.ClientID, filter)
		if b.log != nil {
			b.log.LogSubscription(session.ClientID, filter, 0, "unsubscribe")
		}
	}

	ack := &packet.UnsubackPacket{PacketID: up.PacketID}
	if _, err := conn.Write(ack.Encode()); err != nil && b.log != nil {
		b.log.LogError(err, "failed to send UNSUBACK", logger.ClientID(session.ClientID))
	}
}

func (b *Broker) handleDisconnect(conn net.Conn, session *Session) {
	session.Will = nil // a clean DISCONNECT never fires the will
	if b.log != nil {
		b.log.LogClientConnection(session.ClientID, conn.RemoteAddr().String(), "disconnect")
	}
	// Not abnormal: a persistent (CleanSession=0) session survives for resume.
	b.teardown(conn, session, false, false)
}

func (b *Broker) abnormalDisconnect(conn net.Conn) {
	session, ok := b.byConn[conn]
	if !ok {
		conn.Close()
		return
	}
	if b.log != nil {
		b.log.Warn("abnormal disconnect, peer closed or malformed frame", logger.ClientID(session.ClientID))
	}
	// A bare EOF/malformed-frame disconnect fires the will but, unlike a
	// keepalive timeout, is not itself a "terminate the client-id" signal:
	// a persistent (CleanSession=0) session is retained for resume per
	// §3's Lifecycle rules.
	b.teardown(conn, session, true, false)
}

// teardown removes conn's binding. When abnormal is set (EOF/malformed
// frame/keepalive timeout/protocol violation) it fires the session's will.
// When terminate is set, session state is discarded regardless of
// CleanSession — the DeliveryEngine "terminate the client-id" trigger,
// reached via KeepaliveSweeper's timeout path and via a clean CONNECT taking
// over a live duplicate client id. Otherwise the
// session is discarded only when CleanSession is set, leaving a persistent
// session available for resume on reconnect.
func (b *Broker) teardown(conn net.Conn, session *Session, abnormal, terminate bool) {
	if abnormal && session.Will != nil {
		b.routePublish(session.Will.Topic, session.Will.Payload, session.Will.QoS, session.Will.Retain)
	}

	session.Connected = false
	session.Conn = nil

	if session.CleanSession || terminate {
		b.subs.UnsubscribeAll(session.ClientID)
		delete(b.byClientID, session.ClientID)
	}

	// conn is nil when tearing down a session that has already lost its
	// socket (e.g. a retained session resumed after an abnormal disconnect).
	if conn == nil {
		return
	}
	delete(b.byConn, conn)
	conn.Close()
}

// routePublish delivers a publication to every matching subscriber and
// stores it as retained first when asked.
func (b *Broker) routePublish(topic string, payload []byte, qos packet.QoSLevel, retain bool) {
	if retain {
		b.storeRetained(topic, payload, qos)
	}

	for _, m := range b.subs.Match(topic) {
		deliveryQoS := qos
		if m.qos < deliveryQoS {
			deliveryQoS = m.qos
		}
		m.session.PublishArrived(topic, payload, deliveryQoS, retain)
	}
}

func (b *Broker) storeRetained(topic string, payload []byte, qos packet.QoSLevel) {
	if len(payload) == 0 {
		delete(b.retained, topic)
		return
	}
	b.retained[topic] = &RetainedMessage{Topic: topic, Payload: payload, QoS: qos}
}

func (b *Broker) sendRetained(session *Session, filter string, maxQoS packet.QoSLevel) {
	for topic, msg := range b.retained {
		if !TopicMatches(filter, topic) {
			continue
		}
		deliveryQoS := msg.QoS
		if maxQoS < deliveryQoS {
			deliveryQoS = maxQoS
		}
		session.PublishArrived(topic, msg.Payload, deliveryQoS, true)
	}
}

// sweep disconnects every connected Session idle past 1.5x its keepalive,
// invoked by KeepaliveSweeper.
func (b *Broker) sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, session := range b.byClientID {
		if !session.Connected || session.KeepAlive == 0 {
			continue
		}
		grace := time.Duration(float64(session.KeepAlive) * 1.5 * float64(time.Second))
		if now.Sub(session.LastPacket) > grace {
			if b.log != nil {
				b.log.Warn("keepalive timeout [MQTT-3.1.2-22]", logger.ClientID(session.ClientID))
			}
			// Keepalive expiry is the spec's "terminate the client-id"
			// trigger [MQTT-3.1.2-22]: unlike a bare EOF, it discards the
			// session regardless of CleanSession.
			b.teardown(session.Conn, session, true, true)
		}
	}
}

// GetClientSubscriptions returns clientID's current subscription filters.
func (b *Broker) GetClientSubscriptions(clientID string) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs.GetSubscriptions(clientID)
}

// GetRetainedMessageCount returns the number of topics carrying a retained
// message.
func (b *Broker) GetRetainedMessageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.retained)
}

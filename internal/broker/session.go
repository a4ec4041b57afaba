package broker

import (
	"net"
	"time"

	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/packet"
)

type qos2State int

const (
	awaitingPubrec qos2State = iota
	awaitingPubcomp
)

// outboundPublication is one in-flight message a Session owes a client, in
// the order it was appended.
type outboundPublication struct {
	Topic    string
	Payload  []byte
	QoS      packet.QoSLevel
	Retain   bool
	PacketID uint16 // 0 for QoS 0, unused
	DUP      bool
	qos2     qos2State // meaningful only for QoS 2
}

// willMessage is the publication a Session asks the broker to fire on its
// behalf on abnormal termination.
type willMessage struct {
	Topic   string
	QoS     packet.QoSLevel
	Payload []byte
	Retain  bool
}

// Session is per-client protocol state. Every method assumes the caller
// already holds Broker.mu; Session has no lock of its own.
type Session struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Conn         net.Conn
	Connected    bool
	LastPacket   time.Time

	Will *willMessage

	nextMsgID uint16

	outbound []*outboundPublication
	outByID  map[uint16]*outboundPublication

	// Exactly one of these is populated, selected by publishOnPubrel.
	inboundHeld map[uint16]*packet.PublishPacket
	inboundSeen map[uint16]struct{}

	publishOnPubrel bool
	dropQoS0        bool

	log *logger.Logger
}

func newSession(clientID string, opts Options, log *logger.Logger) *Session {
	s := &Session{
		ClientID:        clientID,
		outByID:         make(map[uint16]*outboundPublication),
		publishOnPubrel: opts.PublishOnPubrel,
		dropQoS0:        opts.DropQoS0,
		log:             log,
	}
	if opts.PublishOnPubrel {
		s.inboundHeld = make(map[uint16]*packet.PublishPacket)
	} else {
		s.inboundSeen = make(map[uint16]struct{})
	}
	return s
}

// nextMessageID allocates the next packet id, wrapping 65535 -> 1 and never
// returning 0.
func (s *Session) nextMessageID() uint16 {
	s.nextMsgID++
	if s.nextMsgID == 0 {
		s.nextMsgID = 1
	}
	return s.nextMsgID
}

// PublishArrived enqueues an outbound publication for this client and writes
// it immediately if the client is currently connected.
func (s *Session) PublishArrived(topic string, payload []byte, qos packet.QoSLevel, retain bool) {
	pub := &outboundPublication{Topic: topic, Payload: payload, QoS: qos, Retain: retain}

	if qos == packet.QoSAtMostOnce {
		if s.dropQoS0 && !s.Connected {
			return
		}
		s.outbound = append(s.outbound, pub)
	} else {
		pub.PacketID = s.nextMessageID()
		if qos == packet.QoSExactlyOnce {
			pub.qos2 = awaitingPubrec
		}
		s.outbound = append(s.outbound, pub)
		s.outByID[pub.PacketID] = pub
	}

	if s.Connected && s.Conn != nil {
		s.write(pub)
	}
}

func (s *Session) write(pub *outboundPublication) {
	pp := &packet.PublishPacket{
		Topic:   pub.Topic,
		Payload: pub.Payload,
		QoS:     pub.QoS,
		Retain:  pub.Retain,
		DUP:     pub.DUP,
	}
	if pub.QoS != packet.QoSAtMostOnce {
		id := pub.PacketID
		pp.PacketID = &id
	}
	if _, err := s.Conn.Write(pp.Encode()); err != nil && s.log != nil {
		s.log.LogError(err, "failed to write outbound publication", logger.ClientID(s.ClientID))
	}
}

func (s *Session) removeOutbound(pub *outboundPublication) {
	delete(s.outByID, pub.PacketID)
	for i, p := range s.outbound {
		if p == pub {
			s.outbound = append(s.outbound[:i], s.outbound[i+1:]...)
			return
		}
	}
}

// Puback acknowledges a QoS 1 publication. An unknown id, or one found at a
// different QoS, is logged and left alone.
func (s *Session) Puback(id uint16) {
	pub, ok := s.outByID[id]
	if !ok || pub.QoS != packet.QoSAtLeastOnce {
		if s.log != nil {
			s.log.Warn("puback for unknown or wrong-qos id", logger.ClientID(s.ClientID), logger.Int("packet_id", int(id)))
		}
		return
	}
	s.removeOutbound(pub)
}

// Pubrec transitions a QoS 2 outbound publication to AwaitingPubcomp and
// reports whether the caller should now send a PUBREL.
func (s *Session) Pubrec(id uint16) bool {
	pub, ok := s.outByID[id]
	if !ok || pub.QoS != packet.QoSExactlyOnce || pub.qos2 != awaitingPubrec {
		if s.log != nil {
			s.log.Warn("pubrec for unknown id or wrong substate", logger.ClientID(s.ClientID), logger.Int("packet_id", int(id)))
		}
		return false
	}
	pub.qos2 = awaitingPubcomp
	return true
}

// Pubcomp completes the QoS 2 handshake for an outbound publication.
func (s *Session) Pubcomp(id uint16) {
	pub, ok := s.outByID[id]
	if !ok || pub.QoS != packet.QoSExactlyOnce || pub.qos2 != awaitingPubcomp {
		if s.log != nil {
			s.log.Warn("pubcomp for unknown id or wrong substate", logger.ClientID(s.ClientID), logger.Int("packet_id", int(id)))
		}
		return
	}
	s.removeOutbound(pub)
}

// inboundQoS2Seen reports whether id has already been recorded on the
// receive side of a QoS 2 handshake.
func (s *Session) inboundQoS2Seen(id uint16) bool {
	if s.publishOnPubrel {
		_, ok := s.inboundHeld[id]
		return ok
	}
	_, ok := s.inboundSeen[id]
	return ok
}

// storeInboundQoS2 records a newly-arrived QoS 2 PUBLISH on the receive side.
func (s *Session) storeInboundQoS2(id uint16, pp *packet.PublishPacket) {
	if s.publishOnPubrel {
		s.inboundHeld[id] = pp
	} else {
		s.inboundSeen[id] = struct{}{}
	}
}

// Pubrel consumes inbound QoS 2 state for id on receipt of PUBREL. When
// publishOnPubrel is set, the held PUBLISH is returned for forwarding to the
// delivery engine; otherwise the bare presence of the id is confirmed and
// forwarding already happened at PUBLISH time.
func (s *Session) Pubrel(id uint16) (*packet.PublishPacket, bool) {
	if s.publishOnPubrel {
		pp, ok := s.inboundHeld[id]
		if !ok {
			if s.log != nil {
				s.log.Warn("pubrel for unknown id", logger.ClientID(s.ClientID), logger.Int("packet_id", int(id)))
			}
			return nil, false
		}
		delete(s.inboundHeld, id)
		return pp, true
	}

	if _, ok := s.inboundSeen[id]; !ok {
		if s.log != nil {
			s.log.Warn("pubrel for unknown id", logger.ClientID(s.ClientID), logger.Int("packet_id", int(id)))
		}
		return nil, false
	}
	delete(s.inboundSeen, id)
	return nil, true
}

// Resend retransmits every queued outbound publication in original append
// order, with DUP set on QoS 1 and 2 entries (QoS 0 entries are resent with
// DUP clear), collapsing AwaitingPubcomp QoS 2 entries to a bare PUBREL
// rather than resending the PUBLISH.
func (s *Session) Resend() {
	for _, pub := range s.outbound {
		if pub.QoS != packet.QoSAtMostOnce {
			pub.DUP = true
		}
		if pub.QoS == packet.QoSExactlyOnce && pub.qos2 == awaitingPubcomp {
			if _, err := s.Conn.Write(packet.NewPubRel(pub.PacketID)); err != nil && s.log != nil {
				s.log.LogError(err, "failed to resend pubrel", logger.ClientID(s.ClientID))
			}
			continue
		}
		s.write(pub)
	}
}

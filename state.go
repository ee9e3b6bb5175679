package rumqtt

import (
	"log/slog"
	"time"

	"github.com/Mastervolt/rumqtt/internal/packets"
)

type connStatus int

const (
	statusHandshake connStatus = iota
	statusConnected
	statusDisconnecting
	statusDisconnected
)

// pingDecision is the three-way result of consulting the state machine's
// keep-alive policy on a tick.
type pingDecision int

const (
	pingNone pingDecision = iota
	pingSend
	pingTimeout
)

// orderedPubs is an insertion-ordered map of in-flight QoS>=1 publishes,
// keyed by packet id. Order matters: reconnection must republish in the
// order the publishes were originally issued.
type orderedPubs struct {
	order []uint16
	byID  map[uint16]*packets.PublishPacket
}

func newOrderedPubs() *orderedPubs {
	return &orderedPubs{byID: make(map[uint16]*packets.PublishPacket)}
}

func (p *orderedPubs) add(id uint16, pkt *packets.PublishPacket) {
	if _, exists := p.byID[id]; !exists {
		p.order = append(p.order, id)
	}
	p.byID[id] = pkt
}

func (p *orderedPubs) remove(id uint16) (*packets.PublishPacket, bool) {
	pkt, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	delete(p.byID, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return pkt, true
}

func (p *orderedPubs) has(id uint16) bool {
	_, ok := p.byID[id]
	return ok
}

func (p *orderedPubs) snapshot() []*packets.PublishPacket {
	out := make([]*packets.PublishPacket, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}

func (p *orderedPubs) reset() {
	p.order = nil
	p.byID = make(map[uint16]*packets.PublishPacket)
}

// sessionState is the invariant-bearing entity of a Connection. It is
// created once per Connection, mutated exclusively by the event loop
// goroutine, and destroyed when the loop exits.
type sessionState struct {
	logger *slog.Logger

	connStatus    connStatus
	cleanSession  bool
	lastControlAt time.Time
	awaitPingresp bool

	outgoingPub      *orderedPubs
	outgoingRel      map[uint16]struct{}
	outgoingRelOrder []uint16
	incomingPub      map[uint16]struct{}

	lastPkid uint16
}

func newSessionState(logger *slog.Logger) *sessionState {
	if logger == nil {
		logger = slog.Default()
	}
	return &sessionState{
		logger:      logger,
		connStatus:  statusDisconnected,
		outgoingPub: newOrderedPubs(),
		outgoingRel: make(map[uint16]struct{}),
		incomingPub: make(map[uint16]struct{}),
	}
}

// outgoingConnect builds the CONNECT packet from options and resets the
// bookkeeping appropriate to a fresh connect attempt. A clean session wipes
// all retransmission state; a resumed session carries it across the attempt.
func (s *sessionState) outgoingConnect(opts *Options) *packets.ConnectPacket {
	s.connStatus = statusHandshake
	s.awaitPingresp = false
	s.cleanSession = opts.CleanSession

	if opts.CleanSession {
		s.outgoingPub.reset()
		s.outgoingRel = make(map[uint16]struct{})
		s.outgoingRelOrder = nil
		s.incomingPub = make(map[uint16]struct{})
		s.lastPkid = 0
	}

	pkt := &packets.ConnectPacket{
		CleanSession: opts.CleanSession,
		ClientID:     opts.ClientID,
	}
	if opts.KeepAlive > 0 {
		pkt.KeepAlive = uint16(opts.KeepAlive / time.Second)
	}
	if opts.Credentials != nil {
		pkt.UsernameFlag = true
		pkt.Username = opts.Credentials.Username
		pkt.PasswordFlag = true
		pkt.Password = opts.Credentials.Password
	}
	if opts.Will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = opts.Will.Topic
		pkt.WillMessage = opts.Will.Payload
		pkt.WillQoS = opts.Will.QoS
		pkt.WillRetain = opts.Will.Retain
	}
	return pkt
}

// incomingConnack validates the broker's response to CONNECT. A non-accepted
// return code fails with ConnectionRefusedError; a CONNACK received outside
// the handshake is a protocol violation.
func (s *sessionState) incomingConnack(p *packets.ConnackPacket) error {
	if s.connStatus != statusHandshake {
		return &ProtocolError{Detail: "unexpected CONNACK outside handshake"}
	}
	if p.ReturnCode != packets.ConnAccepted {
		return &ConnectionRefusedError{Code: p.ReturnCode}
	}
	s.connStatus = statusConnected
	s.lastControlAt = time.Now()
	return nil
}

// nextPacketID rotates last_pkid through 1..65535, skipping any id still
// in flight in outgoingPub or outgoingRel. The scan is bounded to the full
// id space so it terminates even when every id is in use.
func (s *sessionState) nextPacketID() uint16 {
	for i := 0; i < 65535; i++ {
		s.lastPkid++
		if s.lastPkid == 0 {
			s.lastPkid = 1
		}
		if s.outgoingPub.has(s.lastPkid) {
			continue
		}
		if _, inFlight := s.outgoingRel[s.lastPkid]; inFlight {
			continue
		}
		return s.lastPkid
	}
	return s.lastPkid
}

// outgoingPacket is the dispatch point for outbound traffic: it assigns
// packet ids where the protocol requires one, records QoS>=1 publishes for
// retransmission, and enforces the keep-alive ping policy.
func (s *sessionState) outgoingPacket(p packets.Packet) (packets.Packet, error) {
	switch pkt := p.(type) {
	case *packets.PublishPacket:
		// A publish already tracked under its id is a reconnect replay from
		// reconnectSnapshot and keeps that id.
		if pkt.QoS > 0 && s.outgoingPub.byID[pkt.PacketID] != pkt {
			pkt.PacketID = s.nextPacketID()
			s.outgoingPub.add(pkt.PacketID, pkt)
		}
	case *packets.SubscribePacket:
		pkt.PacketID = s.nextPacketID()
	case *packets.UnsubscribePacket:
		pkt.PacketID = s.nextPacketID()
	case *packets.PingreqPacket:
		if s.connStatus != statusConnected || s.awaitPingresp {
			return nil, &ProtocolError{Detail: "PINGREQ not permitted in current state"}
		}
		s.awaitPingresp = true
	}
	s.lastControlAt = time.Now()
	return p, nil
}

// incomingPacket is the dispatch point for inbound traffic. It returns an
// optional notification to forward to the caller and an optional reply to
// re-inject into the outbound path.
func (s *sessionState) incomingPacket(p packets.Packet) (notification, reply packets.Packet, err error) {
	s.lastControlAt = time.Now()

	switch pkt := p.(type) {
	case *packets.PublishPacket:
		switch pkt.QoS {
		case 0:
			return pkt, nil, nil
		case 1:
			return pkt, &packets.PubackPacket{PacketID: pkt.PacketID}, nil
		case 2:
			reply = &packets.PubrecPacket{PacketID: pkt.PacketID}
			if _, dup := s.incomingPub[pkt.PacketID]; dup {
				return nil, reply, nil
			}
			s.incomingPub[pkt.PacketID] = struct{}{}
			return pkt, reply, nil
		default:
			return nil, nil, &ProtocolError{Detail: "invalid QoS in PUBLISH"}
		}

	case *packets.PubackPacket:
		if _, ok := s.outgoingPub.remove(pkt.PacketID); !ok {
			s.logger.Warn("PUBACK for unknown packet id", "id", pkt.PacketID)
		}
		return nil, nil, nil

	case *packets.PubrecPacket:
		if _, ok := s.outgoingPub.remove(pkt.PacketID); !ok {
			s.logger.Warn("PUBREC for unknown packet id", "id", pkt.PacketID)
			return nil, nil, nil
		}
		s.addOutgoingRel(pkt.PacketID)
		return nil, &packets.PubrelPacket{PacketID: pkt.PacketID}, nil

	case *packets.PubrelPacket:
		delete(s.incomingPub, pkt.PacketID)
		return nil, &packets.PubcompPacket{PacketID: pkt.PacketID}, nil

	case *packets.PubcompPacket:
		if _, ok := s.outgoingRel[pkt.PacketID]; !ok {
			s.logger.Warn("PUBCOMP for unknown packet id", "id", pkt.PacketID)
		}
		s.removeOutgoingRel(pkt.PacketID)
		return nil, nil, nil

	case *packets.PingrespPacket:
		s.awaitPingresp = false
		return nil, nil, nil

	case *packets.SubackPacket:
		return pkt, nil, nil

	case *packets.UnsubackPacket:
		return pkt, nil, nil

	case *packets.ConnackPacket:
		return nil, nil, &ProtocolError{Detail: "duplicate CONNACK"}

	default:
		return nil, nil, &ProtocolError{Detail: "unexpected inbound packet type"}
	}
}

func (s *sessionState) addOutgoingRel(id uint16) {
	if _, exists := s.outgoingRel[id]; !exists {
		s.outgoingRelOrder = append(s.outgoingRelOrder, id)
	}
	s.outgoingRel[id] = struct{}{}
}

func (s *sessionState) removeOutgoingRel(id uint16) {
	if _, ok := s.outgoingRel[id]; !ok {
		return
	}
	delete(s.outgoingRel, id)
	for i, oid := range s.outgoingRelOrder {
		if oid == id {
			s.outgoingRelOrder = append(s.outgoingRelOrder[:i], s.outgoingRelOrder[i+1:]...)
			break
		}
	}
}

// pingRequired consults the keep-alive policy. pingTimeout means a
// previously sent PINGREQ went unanswered through a full keep-alive
// interval and the current connection must be torn down.
func (s *sessionState) pingRequired(now time.Time, keepAlive time.Duration) pingDecision {
	if s.connStatus != statusConnected || keepAlive <= 0 {
		return pingNone
	}
	if now.Sub(s.lastControlAt) < keepAlive {
		return pingNone
	}
	if s.awaitPingresp {
		return pingTimeout
	}
	return pingSend
}

// reconnectSnapshot returns the packets that must be re-emitted before any
// newly enqueued user command: every pending QoS>=1 publish, marked dup,
// in original insertion order, followed by a PUBREL for every packet id
// still awaiting PUBCOMP.
func (s *sessionState) reconnectSnapshot() []packets.Packet {
	pubs := s.outgoingPub.snapshot()
	out := make([]packets.Packet, 0, len(pubs)+len(s.outgoingRelOrder))
	for _, pkt := range pubs {
		dup := *pkt
		dup.Dup = true
		s.outgoingPub.byID[dup.PacketID] = &dup
		out = append(out, &dup)
	}
	for _, id := range s.outgoingRelOrder {
		out = append(out, &packets.PubrelPacket{PacketID: id})
	}
	return out
}

// disconnect transitions the session to Disconnected. Retransmission
// bookkeeping (outgoingPub, outgoingRel, incomingPub) survives so that a
// subsequent reconnect can resume delivery.
func (s *sessionState) disconnect() {
	s.connStatus = statusDisconnected
	s.awaitPingresp = false
}

// Package gateway simulates a LoRa gateway running the Semtech UDP packet
// forwarder. Packets heard on the broker are pushed to a network server and
// downlinks received from it are published back on the broker.
package gateway

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/observability"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
	"github.com/lorawan-server/lorawan-sim/pkg/semtech"
)

// ErrNotRunning is returned when stopping a gateway that is not started.
var ErrNotRunning = errors.New("gateway: not running")

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// Options carries the collaborators of a Client.
type Options struct {
	Clock   *simtime.Clock
	Broker  *broker.Broker
	Metrics *observability.Collector
}

// Status is a snapshot of the gateway session.
type Status struct {
	EUI       lorawan.EUI64 `json:"eui"`
	Running   bool          `json:"running"`
	Remote    string        `json:"remote"`
	Local     string        `json:"local,omitempty"`
	Uplinks   uint64        `json:"uplinks"`
	Downlinks uint64        `json:"downlinks"`
	Acks      uint64        `json:"acks"`
}

// counters are reported in the stat record and reset after each report.
type counters struct {
	rxnb, rxok, rxfw uint32
	dwnb, txnb       uint32
	sent, acked      uint32
}

// Client is one simulated gateway session.
type Client struct {
	eui       lorawan.EUI64
	remote    string
	keepalive uint64
	status    uint64
	lati      float64
	long      float64
	alti      int32

	clock   *simtime.Clock
	broker  *broker.Broker
	metrics *observability.Collector

	mu             sync.Mutex
	running        bool
	conn           *net.UDPConn
	sub            *broker.Subscription
	keepaliveTimer *simtime.Timer
	statusTimer    *simtime.Timer
	tokens         map[uint16]uint64
	period         counters
	totals         Status
	rng            *rand.Rand
	wg             sync.WaitGroup
}

// New validates cfg and creates a stopped gateway. A missing host, port,
// clock or broker is a config.ConfigurationError. An empty EUI is replaced
// by a random one.
func New(cfg config.GatewayConfig, opts Options) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		return nil, &config.ConfigurationError{Field: "Clock", Reason: "no clock available"}
	}
	if opts.Broker == nil {
		return nil, &config.ConfigurationError{Field: "Broker", Reason: "no broker available"}
	}

	eui := lorawan.RandomEUI64()
	if cfg.EUI != "" {
		parsed, err := lorawan.ParseEUI64(cfg.EUI)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "Gateway.EUI", Reason: err.Error()}
		}
		eui = parsed
	}

	return &Client{
		eui:       eui,
		remote:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		keepalive: max(opts.Clock.Ticks(cfg.KeepaliveInterval), 1),
		status:    max(opts.Clock.Ticks(cfg.StatusInterval), 1),
		lati:      cfg.Latitude,
		long:      cfg.Longitude,
		alti:      int32(cfg.Altitude),
		clock:     opts.Clock,
		broker:    opts.Broker,
		metrics:   opts.Metrics,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// EUI returns the gateway identifier.
func (c *Client) EUI() lorawan.EUI64 {
	return c.eui
}

// Status returns the session state and cumulative counters.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.totals
	s.EUI = c.eui
	s.Running = c.running
	s.Remote = c.remote
	if c.conn != nil {
		s.Local = c.conn.LocalAddr().String()
	}
	return s
}

// Start opens the socket, sends the first keepalive and status, then keeps
// sending both on their intervals until Stop. Packets published on the
// gateway EUI topic are forwarded upstream.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("gateway: already running")
	}
	if !c.clock.Running() {
		return fmt.Errorf("gateway: %w", simtime.ErrNotRunning)
	}

	raddr, err := net.ResolveUDPAddr("udp", c.remote)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", c.remote, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.remote, err)
	}

	c.conn = conn
	c.running = true
	c.tokens = make(map[uint16]uint64)
	c.period = counters{}

	now := c.clock.Now()
	c.sendKeepaliveLocked()
	c.sendStatusLocked(now)

	if c.keepaliveTimer, err = c.clock.Schedule(c.keepalive, c.keepaliveLoop(now+c.keepalive)); err == nil {
		c.statusTimer, err = c.clock.Schedule(c.status, c.statusLoop(now+c.status))
	}
	if err != nil {
		c.teardownLocked()
		return fmt.Errorf("gateway: %w", err)
	}

	c.sub = c.broker.Subscribe(UplinkTopic(c.eui), c.onUplink)

	c.wg.Add(1)
	go c.readLoop(conn)

	log.Info().
		Str("gateway", c.eui.String()).
		Str("remote", c.remote).
		Str("local", conn.LocalAddr().String()).
		Msg("gateway started")
	return nil
}

// Stop cancels both periodic timers, unsubscribes from the uplink topic and
// closes the socket. Every step runs even if an earlier one fails.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	err := c.teardownLocked()
	c.mu.Unlock()

	c.wg.Wait()

	log.Info().Str("gateway", c.eui.String()).Msg("gateway stopped")
	return err
}

func (c *Client) teardownLocked() error {
	var errs []error

	c.running = false
	c.clock.Cancel(c.keepaliveTimer)
	c.clock.Cancel(c.statusTimer)
	c.keepaliveTimer, c.statusTimer = nil, nil

	c.broker.Unsubscribe(c.sub)
	c.sub = nil

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
		c.conn = nil
	}

	return errors.Join(errs...)
}

// keepaliveLoop returns the callback of the keepalive timer due at
// deadline. The next one is scheduled from the deadline, not from the
// firing time, so that the period does not drift.
func (c *Client) keepaliveLoop(deadline uint64) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running {
			return
		}

		c.sendKeepaliveLocked()

		next := deadline + c.keepalive
		t, err := c.clock.Schedule(delayUntil(next, c.clock.Now()), c.keepaliveLoop(next))
		if err != nil {
			log.Error().Err(err).Str("gateway", c.eui.String()).Msg("reschedule keepalive failed")
			return
		}
		c.keepaliveTimer = t
	}
}

func (c *Client) statusLoop(deadline uint64) func() {
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running {
			return
		}

		now := c.clock.Now()
		c.sendStatusLocked(now)

		next := deadline + c.status
		t, err := c.clock.Schedule(delayUntil(next, now), c.statusLoop(next))
		if err != nil {
			log.Error().Err(err).Str("gateway", c.eui.String()).Msg("reschedule status failed")
			return
		}
		c.statusTimer = t
	}
}

// concentratorTime returns the gateway's free-running microsecond counter
// used for rxpk and txpk tmst. It wraps every 2^32 µs.
func concentratorTime(clock *simtime.Clock) uint32 {
	return uint32(clock.Duration(clock.Now()).Microseconds())
}

func delayUntil(deadline, now uint64) uint64 {
	if deadline <= now {
		return 0
	}
	return deadline - now
}

func (c *Client) sendKeepaliveLocked() {
	p := &semtech.PullDataPacket{
		ProtocolVersion: semtech.ProtocolVersion,
		RandomToken:     c.newTokenLocked(),
		GatewayMAC:      c.eui,
	}
	if err := c.sendLocked(p); err != nil {
		log.Error().Err(err).Str("gateway", c.eui.String()).Msg("send PULL_DATA failed")
	}
}

func (c *Client) sendStatusLocked(now uint64) {
	ackr := 0.0
	if c.period.sent > 0 {
		ackr = 100 * float64(c.period.acked) / float64(c.period.sent)
	}

	stat := &semtech.Stat{
		Time: semtech.ExpandedTime(time.Now()),
		Lati: c.lati,
		Long: c.long,
		Alti: c.alti,
		RXNb: c.period.rxnb,
		RXOK: c.period.rxok,
		RXFW: c.period.rxfw,
		ACKR: ackr,
		DWNb: c.period.dwnb,
		TXNb: c.period.txnb,
	}
	c.period = counters{}
	c.pruneTokensLocked(now)

	p := &semtech.PushDataPacket{
		ProtocolVersion: semtech.ProtocolVersion,
		RandomToken:     c.newTokenLocked(),
		GatewayMAC:      c.eui,
		Payload:         semtech.PushDataPayload{Stat: stat},
	}
	if err := c.sendLocked(p); err != nil {
		log.Error().Err(err).Str("gateway", c.eui.String()).Msg("send status failed")
	}
}

func (c *Client) onUplink(m broker.Message) {
	up, ok := m.(Uplink)
	if !ok {
		log.Warn().Str("gateway", c.eui.String()).Msgf("ignoring %T on uplink topic", m)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	c.period.rxnb++
	c.period.rxok++

	tmst := concentratorTime(c.clock)
	p := &semtech.PushDataPacket{
		ProtocolVersion: semtech.ProtocolVersion,
		RandomToken:     c.newTokenLocked(),
		GatewayMAC:      c.eui,
		Payload:         semtech.PushDataPayload{RXPK: []semtech.RXPK{up.rxpk(tmst)}},
	}
	if err := c.sendLocked(p); err != nil {
		log.Error().Err(err).Str("gateway", c.eui.String()).Msg("forward uplink failed")
		return
	}

	c.period.rxfw++
	c.totals.Uplinks++
	log.Info().
		Str("gateway", c.eui.String()).
		Str("device", up.DeviceEUI.String()).
		Uint32("freq", up.Freq).
		Int("size", len(up.Data)).
		Msg("uplink forwarded")
}

func (c *Client) newTokenLocked() uint16 {
	return uint16(c.rng.Intn(1 << 16))
}

// pruneTokensLocked forgets upstream frames that were not acknowledged
// within one status interval.
func (c *Client) pruneTokensLocked(now uint64) {
	for token, sentAt := range c.tokens {
		if now-sentAt > c.status {
			delete(c.tokens, token)
		}
	}
}

func (c *Client) sendLocked(p semtech.Packet) error {
	if c.conn == nil {
		return ErrNotRunning
	}

	data, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", p.Type(), err)
	}

	if t := p.Type(); t == semtech.PushData || t == semtech.PullData {
		c.tokens[p.Token()] = c.clock.Now()
		c.period.sent++
	}
	c.metrics.FrameSent(p.Type().String())
	log.Debug().
		Str("gateway", c.eui.String()).
		Str("type", p.Type().String()).
		Uint16("token", p.Token()).
		Int("bytes", len(data)).
		Msg("frame sent")
	return nil
}

func (c *Client) readLoop(conn *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP port unreachable surfaces as a read error on a connected
			// socket while the server is down
			log.Debug().Err(err).Str("gateway", c.eui.String()).Msg("read UDP packet failed")
			continue
		}

		c.handlePacket(buf[:n])
	}
}

// handlePacket processes one datagram from the network server. Undecodable
// datagrams are dropped.
func (c *Client) handlePacket(data []byte) {
	p, err := semtech.Decode(data)
	if err != nil {
		c.metrics.DecodeFailed()
		log.Warn().Err(err).Str("gateway", c.eui.String()).Int("bytes", len(data)).Msg("dropping undecodable packet")
		return
	}
	c.metrics.FrameReceived(p.Type().String())

	switch p := p.(type) {
	case *semtech.PushAckPacket, *semtech.PullAckPacket:
		c.handleAck(p.Type(), p.Token())
	case *semtech.PullRespPacket:
		c.handlePullResp(p)
	default:
		log.Warn().
			Str("gateway", c.eui.String()).
			Str("type", p.Type().String()).
			Msg("unexpected packet type")
	}
}

func (c *Client) handleAck(t semtech.PacketType, token uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tokens[token]; !ok {
		log.Debug().Str("gateway", c.eui.String()).Str("type", t.String()).Uint16("token", token).Msg("ack for unknown token")
		return
	}
	delete(c.tokens, token)
	c.period.acked++
	c.totals.Acks++

	log.Debug().Str("gateway", c.eui.String()).Str("type", t.String()).Uint16("token", token).Msg("ack received")
}

func (c *Client) handlePullResp(p *semtech.PullRespPacket) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.period.dwnb++
	c.mu.Unlock()

	down := Downlink{Token: p.RandomToken, TXPK: p.Payload.TXPK}
	ack := &semtech.TxAckPacket{
		ProtocolVersion: semtech.ProtocolVersion,
		RandomToken:     p.RandomToken,
		GatewayMAC:      c.eui,
		Payload:         &semtech.TxAckPayload{TXPKACK: semtech.TXPKACK{Error: "NONE"}},
	}
	if err := c.broker.Publish(DownlinkTopic(c.eui), down); err != nil {
		ack.Payload.TXPKACK.Error = "TX_FREQ"
		log.Warn().Err(err).Str("gateway", c.eui.String()).Msg("rejecting downlink")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ack.Payload.TXPKACK.Error == "NONE" {
		c.period.txnb++
		c.totals.Downlinks++
	}
	if err := c.sendLocked(ack); err != nil {
		log.Error().Err(err).Str("gateway", c.eui.String()).Msg("send TX_ACK failed")
		return
	}

	log.Info().
		Str("gateway", c.eui.String()).
		Uint16("token", p.RandomToken).
		Float64("freq", p.Payload.TXPK.Freq).
		Str("datr", p.Payload.TXPK.DatR).
		Msg("downlink scheduled")
}

package gateway

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-sim/internal/broker"
	"github.com/lorawan-server/lorawan-sim/internal/config"
	"github.com/lorawan-server/lorawan-sim/internal/observability"
	"github.com/lorawan-server/lorawan-sim/internal/simtime"
	"github.com/lorawan-server/lorawan-sim/pkg/lorawan"
	"github.com/lorawan-server/lorawan-sim/pkg/semtech"
)

const testEUI = "0102030405060708"

// networkServer is the upstream end of the gateway session.
type networkServer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newNetworkServer(t *testing.T) *networkServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &networkServer{t: t, conn: conn}
}

func (s *networkServer) port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// next returns the next decoded packet, or nil when none arrives in time.
func (s *networkServer) next(timeout time.Duration) (semtech.Packet, *net.UDPAddr) {
	s.t.Helper()
	buf := make([]byte, 65507)
	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(timeout)))
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil
	}
	p, err := semtech.Decode(buf[:n])
	require.NoError(s.t, err)
	return p, addr
}

// drain collects every packet received until the line stays quiet.
func (s *networkServer) drain() []semtech.Packet {
	s.t.Helper()
	var packets []semtech.Packet
	for {
		p, _ := s.next(200 * time.Millisecond)
		if p == nil {
			return packets
		}
		packets = append(packets, p)
	}
}

func (s *networkServer) send(p semtech.Packet, to *net.UDPAddr) {
	s.t.Helper()
	data, err := p.MarshalBinary()
	require.NoError(s.t, err)
	s.sendRaw(data, to)
}

func (s *networkServer) sendRaw(data []byte, to *net.UDPAddr) {
	s.t.Helper()
	_, err := s.conn.WriteToUDP(data, to)
	require.NoError(s.t, err)
}

type fixture struct {
	clock   *simtime.Clock
	broker  *broker.Broker
	metrics *observability.Collector
	server  *networkServer
	client  *Client
}

func newFixture(t *testing.T, keepalive, status time.Duration) *fixture {
	t.Helper()
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	clock := simtime.New(simtime.Config{Mode: simtime.Manual, TicksPerSecond: 1000, Metrics: metrics})
	clock.Start()
	t.Cleanup(clock.Stop)

	f := &fixture{
		clock:   clock,
		broker:  broker.New(metrics),
		metrics: metrics,
		server:  newNetworkServer(t),
	}

	f.client, err = New(config.GatewayConfig{
		EUI:               testEUI,
		Host:              "127.0.0.1",
		Port:              f.server.port(),
		KeepaliveInterval: keepalive,
		StatusInterval:    status,
	}, Options{Clock: clock, Broker: f.broker, Metrics: metrics})
	require.NoError(t, err)
	require.NoError(t, f.client.Start())
	t.Cleanup(func() { _ = f.client.Stop() })
	return f
}

func countTypes(packets []semtech.Packet) map[semtech.PacketType]int {
	counts := make(map[semtech.PacketType]int)
	for _, p := range packets {
		counts[p.Type()]++
	}
	return counts
}

func statusReports(packets []semtech.Packet) []*semtech.Stat {
	var stats []*semtech.Stat
	for _, p := range packets {
		if push, ok := p.(*semtech.PushDataPacket); ok && push.Payload.Stat != nil {
			stats = append(stats, push.Payload.Stat)
		}
	}
	return stats
}

func TestNew_ConfigurationErrors(t *testing.T) {
	clock := simtime.New(simtime.Config{Mode: simtime.Manual})
	b := broker.New(nil)
	valid := config.GatewayConfig{Host: "127.0.0.1", Port: 1700}

	tests := []struct {
		name   string
		modify func(*config.GatewayConfig, *Options)
	}{
		{"missing host", func(c *config.GatewayConfig, _ *Options) { c.Host = "" }},
		{"missing port", func(c *config.GatewayConfig, _ *Options) { c.Port = 0 }},
		{"port out of range", func(c *config.GatewayConfig, _ *Options) { c.Port = 70000 }},
		{"invalid eui", func(c *config.GatewayConfig, _ *Options) { c.EUI = "xyz" }},
		{"no clock", func(_ *config.GatewayConfig, o *Options) { o.Clock = nil }},
		{"no broker", func(_ *config.GatewayConfig, o *Options) { o.Broker = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			opts := Options{Clock: clock, Broker: b}
			tt.modify(&cfg, &opts)

			c, err := New(cfg, opts)
			assert.Nil(t, c)
			assert.True(t, config.IsConfigurationError(err), "got %v", err)
		})
	}

	c, err := New(valid, Options{Clock: clock, Broker: b})
	require.NoError(t, err)
	assert.False(t, c.EUI().IsZero())
}

func TestClient_StartRequiresRunningClock(t *testing.T) {
	clock := simtime.New(simtime.Config{Mode: simtime.Manual})
	c, err := New(config.GatewayConfig{Host: "127.0.0.1", Port: 1700}, Options{Clock: clock, Broker: broker.New(nil)})
	require.NoError(t, err)

	assert.ErrorIs(t, c.Start(), simtime.ErrNotRunning)
	assert.ErrorIs(t, c.Stop(), ErrNotRunning)
}

func TestClient_KeepaliveInterval(t *testing.T) {
	f := newFixture(t, time.Second, time.Hour)

	require.NoError(t, f.clock.Advance(2500))

	packets := f.server.drain()
	counts := countTypes(packets)
	assert.Equal(t, 3, counts[semtech.PullData])
	for _, p := range packets {
		if pull, ok := p.(*semtech.PullDataPacket); ok {
			assert.Equal(t, f.client.EUI(), pull.GatewayMAC)
		}
	}
}

func TestClient_StatusOnStart(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)

	packets := f.server.drain()
	require.Len(t, packets, 2)
	assert.Equal(t, semtech.PullData, packets[0].Type())

	stats := statusReports(packets)
	require.Len(t, stats, 1)
	assert.Zero(t, stats[0].RXNb)
}

func TestClient_StatusInterval(t *testing.T) {
	f := newFixture(t, time.Hour, time.Second)

	require.NoError(t, f.clock.Advance(2500))

	assert.Len(t, statusReports(f.server.drain()), 3)
}

func TestClient_ForwardsUplink(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	f.server.drain()

	err := f.broker.Publish(f.client.EUI().String(), Uplink{
		Data: []byte("hello world"),
		Freq: 0,
		SF:   7,
		BW:   125000,
	})
	require.NoError(t, err)

	p, _ := f.server.next(time.Second)
	require.NotNil(t, p)
	push, ok := p.(*semtech.PushDataPacket)
	require.True(t, ok, "got %T", p)
	require.Len(t, push.Payload.RXPK, 1)

	rxpk := push.Payload.RXPK[0]
	assert.Equal(t, []byte("hello world"), rxpk.Data)
	assert.Equal(t, "SF7BW125", rxpk.DatR)
	assert.Equal(t, "4/5", rxpk.CodR)
	assert.Equal(t, uint16(11), rxpk.Size)
	assert.Nil(t, push.Payload.Stat)

	// counters show up in the next status report
	require.NoError(t, f.clock.Advance(3600*1000))
	stats := statusReports(f.server.drain())
	require.Len(t, stats, 1)
	assert.Equal(t, uint32(1), stats[0].RXNb)
	assert.Equal(t, uint32(1), stats[0].RXFW)
	assert.Equal(t, uint64(1), f.client.Status().Uplinks)
}

func TestClient_DownlinkAndUndecodable(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	_, addr := f.server.next(time.Second)
	require.NotNil(t, addr)
	f.server.drain()

	downlinks := make(chan Downlink, 1)
	f.broker.Subscribe(DownlinkTopic(f.client.EUI()), func(m broker.Message) {
		downlinks <- m.(Downlink)
	})

	f.server.sendRaw([]byte{0x01, 0x02}, addr)
	f.server.sendRaw([]byte{0x02, 0x00, 0x00, 0x09}, addr)

	tmst := uint32(5000000)
	f.server.send(&semtech.PullRespPacket{
		RandomToken: 77,
		Payload: semtech.PullRespPayload{TXPK: semtech.TXPK{
			Tmst: &tmst, Freq: 869.525, Powe: 14, Modu: "LORA", DatR: "SF9BW125", CodR: "4/5", IPol: true, Size: 3, Data: []byte{1, 2, 3},
		}},
	}, addr)

	select {
	case down := <-downlinks:
		assert.Equal(t, uint16(77), down.Token)
		assert.Equal(t, []byte{1, 2, 3}, down.TXPK.Data)
		assert.Equal(t, "SF9BW125", down.TXPK.DatR)
	case <-time.After(time.Second):
		t.Fatal("downlink not published")
	}

	p, _ := f.server.next(time.Second)
	require.NotNil(t, p)
	ack, ok := p.(*semtech.TxAckPacket)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, uint16(77), ack.RandomToken)
	assert.Equal(t, f.client.EUI(), ack.GatewayMAC)
	require.NotNil(t, ack.Payload)
	assert.Equal(t, "NONE", ack.Payload.TXPKACK.Error)

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.DecodeErrors))
	assert.Equal(t, uint64(1), f.client.Status().Downlinks)

	// the periodic timers survive bad input
	require.NoError(t, f.clock.Advance(3600*1000))
	assert.Equal(t, 1, countTypes(f.server.drain())[semtech.PullData])
}

func TestClient_RejectedDownlink(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	_, addr := f.server.next(time.Second)
	require.NotNil(t, addr)
	f.server.drain()

	f.server.send(&semtech.PullRespPacket{RandomToken: 5, Payload: semtech.PullRespPayload{TXPK: semtech.TXPK{Data: []byte{1}}}}, addr)

	p, _ := f.server.next(time.Second)
	require.NotNil(t, p)
	ack := p.(*semtech.TxAckPacket)
	assert.Equal(t, "TX_FREQ", ack.Payload.TXPKACK.Error)
	assert.Zero(t, f.client.Status().Downlinks)
}

func TestClient_DownlinkWithBadModulation(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)
	_, addr := f.server.next(time.Second)
	require.NotNil(t, addr)
	f.server.drain()

	var downlinks atomic.Int32
	f.broker.Subscribe(DownlinkTopic(f.client.EUI()), func(broker.Message) { downlinks.Add(1) })

	f.server.send(&semtech.PullRespPacket{RandomToken: 6, Payload: semtech.PullRespPayload{TXPK: semtech.TXPK{
		Imme: true, Freq: 869.525, Modu: "LORA", DatR: "SF13BW125", CodR: "4/5", Data: []byte{1},
	}}}, addr)

	p, _ := f.server.next(time.Second)
	require.NotNil(t, p)
	ack, ok := p.(*semtech.TxAckPacket)
	require.True(t, ok, "got %T", p)
	assert.Equal(t, uint16(6), ack.RandomToken)
	assert.Equal(t, "TX_FREQ", ack.Payload.TXPKACK.Error)
	assert.Zero(t, f.client.Status().Downlinks)
	assert.Zero(t, downlinks.Load())
}

func TestDownlink_Validate(t *testing.T) {
	valid := Downlink{TXPK: semtech.TXPK{Freq: 868.1, DatR: "SF7BW125", CodR: "4/5", Data: []byte{1}}}
	assert.NoError(t, valid.Validate())

	noCodr := valid
	noCodr.TXPK.CodR = ""
	assert.NoError(t, noCodr.Validate())

	for _, datr := range []string{"", "FSK50", "SF13BW125", "SF7BW300"} {
		bad := valid
		bad.TXPK.DatR = datr
		assert.Error(t, bad.Validate(), datr)
	}
	badCodr := valid
	badCodr.TXPK.CodR = "4/9"
	assert.Error(t, badCodr.Validate())
}

func TestClient_Acks(t *testing.T) {
	f := newFixture(t, time.Hour, time.Hour)

	p, addr := f.server.next(time.Second)
	require.NotNil(t, p)
	require.Equal(t, semtech.PullData, p.Type())

	f.server.send(&semtech.PullAckPacket{RandomToken: p.Token()}, addr)
	require.Eventually(t, func() bool { return f.client.Status().Acks == 1 }, time.Second, 5*time.Millisecond)

	// a second ack for the same token is not counted
	f.server.send(&semtech.PullAckPacket{RandomToken: p.Token()}, addr)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.FramesReceived.WithLabelValues("PULL_ACK")) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), f.client.Status().Acks)
}

func TestClient_Stop(t *testing.T) {
	f := newFixture(t, time.Second, time.Second)
	f.server.drain()

	require.NoError(t, f.client.Stop())
	assert.ErrorIs(t, f.client.Stop(), ErrNotRunning)

	assert.Equal(t, 0, f.broker.Subscribers(f.client.EUI().String()))
	assert.Equal(t, 0, f.clock.Pending())
	assert.False(t, f.client.Status().Running)

	require.NoError(t, f.clock.Advance(5000))
	require.NoError(t, f.broker.Publish(f.client.EUI().String(), Uplink{Data: []byte("x"), SF: 7, BW: 125000}))
	assert.Empty(t, f.server.drain())
}

func TestClient_Restart(t *testing.T) {
	f := newFixture(t, time.Second, time.Hour)
	f.server.drain()

	require.NoError(t, f.client.Stop())
	require.NoError(t, f.client.Start())
	assert.Error(t, f.client.Start())

	require.NoError(t, f.clock.Advance(1000))
	assert.Equal(t, 2, countTypes(f.server.drain())[semtech.PullData])
}

func TestUplink_Validate(t *testing.T) {
	valid := Uplink{Data: []byte("x"), SF: 7, BW: 125000}
	assert.NoError(t, valid.Validate())

	for _, u := range []Uplink{
		{SF: 7, BW: 125000},
		{Data: make([]byte, 256), SF: 7, BW: 125000},
		{Data: []byte("x"), SF: 5, BW: 125000},
		{Data: []byte("x"), SF: 7},
	} {
		assert.Error(t, u.Validate())
	}
}

func TestTopics(t *testing.T) {
	eui, err := lorawan.ParseEUI64(testEUI)
	require.NoError(t, err)
	assert.Equal(t, testEUI, UplinkTopic(eui))
	assert.Equal(t, testEUI+"/down", DownlinkTopic(eui))
}

package mqttclient

import (
	"testing"
	"time"

	"github.com/tve/mqboard/internal/mocknet"
	"github.com/tve/mqboard/internal/mqttconn"
	"github.com/tve/mqboard/internal/testutils"
	"github.com/tve/mqboard/internal/wire"
)

func Test_Config_setDefaults_fills_port_and_response_time(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	testutils.CheckEqual(1883, cfg.Port, t)
	testutils.CheckEqual(10*time.Second, cfg.ResponseTime, t)
}

func Test_Client_dispatchAck_wakes_waiter_and_frees_pid(t *testing.T) {
	c := New(Config{Server: "x", ClientID: []byte("d")})
	pid, ok := c.pids.alloc()
	testutils.CheckTrue(ok, t)
	w := &ackWaiter{done: make(chan struct{})}
	c.waiters[pid] = w
	c.dispatchAck(pid)
	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	testutils.CheckFalse(c.pids.getBit(int(pid)), t)
}

func Test_Client_dispatchSubAck_records_granted_qos(t *testing.T) {
	c := New(Config{Server: "x", ClientID: []byte("d")})
	pid, _ := c.pids.alloc()
	w := &ackWaiter{done: make(chan struct{})}
	c.waiters[pid] = w
	c.dispatchSubAck(pid, wire.SubAckRefused)
	<-w.done
	testutils.CheckEqual(byte(wire.SubAckRefused), w.qos, t)
}

func Test_Client_onSessionDead_ignores_stale_session(t *testing.T) {
	c := New(Config{Server: "x", ClientID: []byte("d")})
	current := mqttconn.New(mocknet.NewMockConnection(), mqttconn.Callbacks{})
	stale := mqttconn.New(mocknet.NewMockConnection(), mqttconn.Callbacks{})
	c.sess = current

	called := false
	c.OnWifi(func(up bool) { called = true })
	c.onSessionDead(stale)
	testutils.CheckFalse(called, t)
	testutils.CheckTrue(c.sess == current, t)

	c.onSessionDead(current)
	testutils.CheckTrue(called, t)
	testutils.CheckTrue(c.sess == nil, t)
}

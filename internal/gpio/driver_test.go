package gpio

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
)

// testDaemon stands in for the GPIO daemon: a PUB socket for input events
// and a REP socket that acks every write command.
type testDaemon struct {
	pub    zmq4.Socket
	rep    zmq4.Socket
	writes chan zmq4.Msg
}

func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	ctx := context.Background()

	pub := zmq4.NewPub(ctx)
	if err := pub.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to listen on pub socket: %v", err)
	}

	rep := zmq4.NewRep(ctx)
	if err := rep.Listen("tcp://127.0.0.1:0"); err != nil {
		pub.Close()
		t.Fatalf("Failed to listen on rep socket: %v", err)
	}

	d := &testDaemon{
		pub:    pub,
		rep:    rep,
		writes: make(chan zmq4.Msg, 16),
	}

	go func() {
		for {
			msg, err := rep.Recv()
			if err != nil {
				return
			}
			d.writes <- msg
			if err := rep.Send(zmq4.NewMsgString("ok")); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		pub.Close()
		rep.Close()
	})

	return d
}

func (d *testDaemon) eventURL() string   { return "tcp://" + d.pub.Addr().String() }
func (d *testDaemon) commandURL() string { return "tcp://" + d.rep.Addr().String() }

func startTestDriver(t *testing.T, daemon *testDaemon, inputs []string) *Driver {
	t.Helper()

	cfg := DefaultConfig()
	cfg.EventURL = daemon.eventURL()
	cfg.CommandURL = daemon.commandURL()
	cfg.Inputs = inputs

	drv := New(cfg)
	if err := drv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { drv.Stop() })

	return drv
}

func TestInputSnapshot(t *testing.T) {
	daemon := startTestDaemon(t)
	drv := startTestDriver(t, daemon, []string{"zone1", "zone2"})

	snapshot := drv.ReadInputs()
	if len(snapshot) != 2 {
		t.Fatalf("Initial snapshot size: got %d, want 2", len(snapshot))
	}
	if snapshot["zone1"] || snapshot["zone2"] {
		t.Error("Expected all inputs low before any event")
	}

	payload, err := json.Marshal(InputEvent{Line: "zone1", Level: true})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	// PUB/SUB delivery only starts once the subscription propagates, so
	// publish until the snapshot reflects the edge.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := daemon.pub.Send(zmq4.NewMsgFrom([]byte("input"), payload)); err != nil {
			t.Fatalf("Failed to publish event: %v", err)
		}
		if drv.ReadInputs()["zone1"] {
			if drv.ReadInputs()["zone2"] {
				t.Error("Expected zone2 untouched by zone1 event")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Input edge never reflected in snapshot")
}

func TestUntrackedLineIgnored(t *testing.T) {
	daemon := startTestDaemon(t)
	drv := startTestDriver(t, daemon, []string{"zone1"})

	marker, _ := json.Marshal(InputEvent{Line: "zone1", Level: true})
	stray, _ := json.Marshal(InputEvent{Line: "pump_house", Level: true})

	// The marker event proves the stray one, published first each round,
	// has been consumed by the time the snapshot shows the marker.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		daemon.pub.Send(zmq4.NewMsgFrom([]byte("input"), stray))
		daemon.pub.Send(zmq4.NewMsgFrom([]byte("input"), marker))

		snapshot := drv.ReadInputs()
		if snapshot["zone1"] {
			if _, present := snapshot["pump_house"]; present {
				t.Error("Expected untracked line absent from snapshot")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Marker event never reflected in snapshot")
}

func TestSetLED(t *testing.T) {
	daemon := startTestDaemon(t)
	drv := startTestDriver(t, daemon, nil)

	if err := drv.SetLED("led_online", true); err != nil {
		t.Fatalf("SetLED failed: %v", err)
	}

	select {
	case msg := <-daemon.writes:
		if len(msg.Frames) < 2 {
			t.Fatalf("Write command frames: got %d, want 2", len(msg.Frames))
		}
		if got := string(msg.Frames[0]); got != "write" {
			t.Errorf("Command kind: got %s, want write", got)
		}
		var req writeRequest
		if err := json.Unmarshal(msg.Frames[1], &req); err != nil {
			t.Fatalf("Failed to parse write payload: %v", err)
		}
		if req.Line != "led_online" || !req.Level {
			t.Errorf("Write request: got %+v, want led_online high", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Daemon never received the write command")
	}
}

func TestStartTwice(t *testing.T) {
	daemon := startTestDaemon(t)
	drv := startTestDriver(t, daemon, nil)

	if err := drv.Start(); err == nil {
		t.Error("Expected error starting an already-running driver")
	}
}

func TestRestartAfterStop(t *testing.T) {
	daemon := startTestDaemon(t)
	drv := startTestDriver(t, daemon, nil)

	if err := drv.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := drv.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	// The restarted write loop must be live, not exited with the
	// previous run's context.
	if err := drv.SetLED("led_online", true); err != nil {
		t.Fatalf("SetLED failed: %v", err)
	}
	select {
	case <-daemon.writes:
	case <-time.After(5 * time.Second):
		t.Fatal("Daemon never received a write after restart")
	}
}

func TestSetLEDQueueFull(t *testing.T) {
	drv := New(DefaultConfig())

	// With no write loop draining, the queue fills and older writes are
	// displaced. Every call must still return, and the newest level must
	// land in the queue.
	calls := cap(drv.writeChan) + 5
	for i := 0; i < calls; i++ {
		if err := drv.SetLED("led_online", i%2 == 0); err != nil {
			t.Fatalf("SetLED %d failed: %v", i, err)
		}
	}

	var last writeRequest
	for len(drv.writeChan) > 0 {
		last = <-drv.writeChan
	}
	want := (calls-1)%2 == 0
	if last.Line != "led_online" || last.Level != want {
		t.Errorf("Newest queued write: got %+v, want led_online level %v", last, want)
	}
}

// Package gpio bridges the zone controller to the GPIO daemon that owns
// the physical input and output lines. The daemon publishes input edge
// events on a SUB socket and accepts output commands on a REQ socket.
package gpio

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// Config holds configuration for the GPIO daemon connection
type Config struct {
	EventURL   string   // SUB socket for input edge events
	CommandURL string   // REQ socket for output commands
	Inputs     []string // input line names to track
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		EventURL:   "ipc:///tmp/agsys_gpio_event",
		CommandURL: "ipc:///tmp/agsys_gpio_command",
	}
}

// InputEvent is the payload of an input edge event from the daemon
type InputEvent struct {
	Line  string `json:"line"`
	Level bool   `json:"level"`
}

// writeRequest is the payload of a set-output command to the daemon
type writeRequest struct {
	Line  string `json:"line"`
	Level bool   `json:"level"`
}

// Driver handles I/O through the GPIO daemon. Input levels are cached from
// the event stream so ReadInputs never touches the daemon; output writes
// are queued and flushed by a background loop so callers never block on
// the REQ round trip.
type Driver struct {
	config    Config
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	levels    map[string]bool
	writeChan chan writeRequest
}

// New creates a new GPIO driver
func New(config Config) *Driver {
	levels := make(map[string]bool, len(config.Inputs))
	for _, name := range config.Inputs {
		levels[name] = false
	}

	return &Driver{
		config:    config,
		levels:    levels,
		writeChan: make(chan writeRequest, 16),
	}
}

// Start connects to the GPIO daemon and starts the event and write loops.
// A stopped driver may be started again; each run gets its own context
// and sockets.
func (d *Driver) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("driver already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	fail := func(err error) error {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.cancel()
		return err
	}

	d.eventSock = zmq4.NewSub(d.ctx)
	if err := d.eventSock.Dial(d.config.EventURL); err != nil {
		return fail(fmt.Errorf("failed to connect event socket: %w", err))
	}
	if err := d.eventSock.SetOption(zmq4.OptionSubscribe, "input"); err != nil {
		d.eventSock.Close()
		return fail(fmt.Errorf("failed to subscribe: %w", err))
	}

	d.cmdSock = zmq4.NewReq(d.ctx)
	if err := d.cmdSock.Dial(d.config.CommandURL); err != nil {
		d.eventSock.Close()
		return fail(fmt.Errorf("failed to connect command socket: %w", err))
	}

	d.wg.Add(1)
	go d.eventLoop()

	d.wg.Add(1)
	go d.writeLoop()

	log.Printf("GPIO driver started: event=%s, cmd=%s, inputs=%d",
		d.config.EventURL, d.config.CommandURL, len(d.config.Inputs))

	return nil
}

// Stop stops the driver and closes connections
func (d *Driver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	if d.eventSock != nil {
		d.eventSock.Close()
	}
	if d.cmdSock != nil {
		d.cmdSock.Close()
	}

	log.Println("GPIO driver stopped")
	return nil
}

// ReadInputs returns the latest known input levels. It reads the cached
// snapshot and never blocks on the daemon.
func (d *Driver) ReadInputs() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]bool, len(d.levels))
	for name, level := range d.levels {
		out[name] = level
	}
	return out
}

// SetLED queues a level change for an output line. The write happens on
// the driver's write loop; a full queue drops the oldest pending write so
// the latest level always wins.
func (d *Driver) SetLED(name string, on bool) error {
	req := writeRequest{Line: name, Level: on}

	for {
		select {
		case d.writeChan <- req:
			return nil
		default:
		}

		select {
		case stale := <-d.writeChan:
			log.Printf("Write queue full, dropping stale write for %s", stale.Line)
		default:
			// The write loop got between our two selects. Yield so it
			// can make progress instead of spinning against it.
			runtime.Gosched()
		}
	}
}

// eventLoop receives input edge events from the daemon
func (d *Driver) eventLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		msg, err := d.eventSock.Recv()
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			continue
		}

		if len(msg.Frames) < 2 {
			continue
		}

		if string(msg.Frames[0]) != "input" {
			continue
		}

		var ev InputEvent
		if err := json.Unmarshal(msg.Frames[1], &ev); err != nil {
			log.Printf("Failed to unmarshal input event: %v", err)
			continue
		}

		d.mu.Lock()
		if _, tracked := d.levels[ev.Line]; tracked {
			d.levels[ev.Line] = ev.Level
		}
		d.mu.Unlock()
	}
}

// writeLoop flushes queued output writes through the REQ socket
func (d *Driver) writeLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case req := <-d.writeChan:
			if err := d.writeLine(req); err != nil {
				log.Printf("Failed to write %s: %v", req.Line, err)
			}
		}
	}
}

// writeLine performs one set-output round trip with the daemon
func (d *Driver) writeLine(req writeRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal write request: %w", err)
	}

	msg := zmq4.NewMsgFrom([]byte("write"), payload)
	if err := d.cmdSock.Send(msg); err != nil {
		return fmt.Errorf("failed to send write command: %w", err)
	}

	resp, err := d.cmdSock.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive write ack: %w", err)
	}

	if len(resp.Frames) > 0 && string(resp.Frames[0]) != "ok" {
		return fmt.Errorf("daemon rejected write: %s", resp.Frames[0])
	}

	return nil
}

// Package sim is an in-memory controller that acknowledges commands asynchronously.
// It records a transcript of everything issued and can drop or fail acknowledgements,
// which is how the coordinators' timeout and failure paths are exercised.
package sim

import (
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/blearb/internal/controller"
)

// Options tune the simulated controller.
type Options struct {
	AckDelay          time.Duration `yaml:"ack_delay" default:"1ms"`
	BatchStorageBytes int           `yaml:"batch_storage_bytes" default:"4096"`
}

type instance struct {
	clientIf    int
	params      controller.EnableAdvertisingInstance
	data        controller.AdvertisePayload
	scanResp    controller.AdvertisePayload
	hasScanResp bool
}

type override struct {
	remaining int // < 0 means forever
	status    int
	drop      bool
}

// Controller implements controller.Transport and controller.CapabilityQuery.
type Controller struct {
	caps   controller.Capabilities
	opts   Options
	logger *logrus.Logger

	sinkMu sync.RWMutex
	sink   controller.EventSink

	mu         sync.Mutex
	transcript []string
	overrides  map[string]*override
	scanning   bool
	batching   bool
	legacyOn   bool
	filtering  bool

	instances *hashmap.Map[int, *instance]
	full      *ringbuffer.RingBuffer
	truncated *ringbuffer.RingBuffer

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a simulated controller with the given capabilities. A zero Options is
// filled from its defaults.
func New(caps controller.Capabilities, opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == (Options{}) {
		defaults.SetDefaults(&opts)
	}
	if opts.BatchStorageBytes <= 0 {
		opts.BatchStorageBytes = 4096
	}
	return &Controller{
		caps:      caps,
		opts:      opts,
		logger:    logger,
		overrides: make(map[string]*override),
		instances: hashmap.New[int, *instance](),
		full:      ringbuffer.New(opts.BatchStorageBytes),
		truncated: ringbuffer.New(opts.BatchStorageBytes),
	}
}

// Attach sets the sink acknowledgements and events are published to.
func (c *Controller) Attach(sink controller.EventSink) {
	c.sinkMu.Lock()
	c.sink = sink
	c.sinkMu.Unlock()
}

// Capabilities implements controller.CapabilityQuery.
func (c *Controller) Capabilities() controller.Capabilities { return c.caps }

// Issue records cmd, applies its effect and schedules its acknowledgement.
func (c *Controller) Issue(cmd controller.Command) error {
	if c.closed.Load() {
		return controller.ErrTransportClosed
	}

	line := describe(cmd)
	c.mu.Lock()
	c.transcript = append(c.transcript, line)
	status, drop := c.takeOverride(cmd.Name())
	c.mu.Unlock()

	fields := logrus.Fields{
		"command":   cmd.Name(),
		"client_if": cmd.Client(),
	}
	if b, ok := controller.Wire(cmd); ok {
		fields["hci"] = hex.EncodeToString(b)
	}
	c.logger.WithFields(fields).Debug("Controller command issued")

	events := c.apply(cmd, status)
	if drop {
		c.logger.WithField("command", cmd.Name()).Debug("Dropping controller acknowledgement")
		return nil
	}

	c.wg.Add(1)
	time.AfterFunc(c.opts.AckDelay, func() {
		defer c.wg.Done()
		for _, ev := range events {
			c.publish(ev)
		}
	})
	return nil
}

// apply mutates the simulated state and returns the events acknowledging cmd.
func (c *Controller) apply(cmd controller.Command, status int) []controller.Event {
	completion := controller.Completion{
		Command:     cmd.Name(),
		Family:      cmd.Family(),
		ClientIf:    cmd.Client(),
		Correlation: cmd.Correlation(),
		Status:      status,
	}
	ok := status == controller.StatusSuccess

	switch v := cmd.(type) {
	case *controller.ScanEnable:
		c.mu.Lock()
		c.scanning = v.Enabled()
		c.mu.Unlock()
	case *controller.ScanFilterEnable:
		c.mu.Lock()
		c.filtering = v.Enable
		c.mu.Unlock()
	case *controller.StartBatchScan:
		if ok {
			c.mu.Lock()
			c.batching = true
			c.mu.Unlock()
		}
	case *controller.StopBatchScan:
		c.mu.Lock()
		c.batching = false
		c.mu.Unlock()
	case *controller.ConfigBatchStorage:
		if ok {
			c.full.Reset()
			c.truncated.Reset()
		}
	case *controller.ReadScanReports:
		reports := c.readReports(v.ResultType)
		if len(reports) == 0 {
			return []controller.Event{completion}
		}
		return []controller.Event{
			controller.BatchReports{ClientIf: v.ClientIf, ResultType: v.ResultType, Reports: reports},
			completion,
		}
	case *controller.EnableAdvertisingInstance:
		if ok {
			c.instances.Set(v.ClientIf, &instance{clientIf: v.ClientIf, params: *v})
		}
	case *controller.SetAdvertisingData:
		if inst, found := c.instances.Get(v.ClientIf); found && ok {
			if v.ScanResponse {
				inst.scanResp = v.Payload
				inst.hasScanResp = true
			} else {
				inst.data = v.Payload
			}
		}
	case *controller.DisableAdvertisingInstance:
		if !c.instances.Del(v.ClientIf) && status == controller.StatusSuccess {
			status = controller.StatusFailure
		}
		return []controller.Event{controller.InstanceDisabled{ClientIf: v.ClientIf, Status: status}}
	case *controller.LegacyAdvertiseEnable:
		if ok {
			c.mu.Lock()
			c.legacyOn = v.Enabled()
			c.mu.Unlock()
		}
	}
	return []controller.Event{completion}
}

func (c *Controller) publish(ev controller.Event) {
	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()

	if sink == nil {
		c.logger.Warn("Controller event dropped: no sink attached")
		return
	}
	sink.Publish(ev)
}

// DropAcks drops the next n acknowledgements of the named command; n < 0 drops all.
func (c *Controller) DropAcks(name string, n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[name] = &override{remaining: n, drop: true}
}

// FailAcks acknowledges the next n commands of the given name with status; n < 0 applies
// to all.
func (c *Controller) FailAcks(name string, status, n int) {
	if n == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[name] = &override{remaining: n, status: status}
}

func (c *Controller) takeOverride(name string) (status int, drop bool) {
	o, ok := c.overrides[name]
	if !ok {
		return controller.StatusSuccess, false
	}
	if o.remaining > 0 {
		o.remaining--
		if o.remaining == 0 {
			delete(c.overrides, name)
		}
	}
	return o.status, o.drop
}

// Transcript returns a copy of the issued command lines.
func (c *Controller) Transcript() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.transcript...)
}

// ResetTranscript clears the recorded command lines.
func (c *Controller) ResetTranscript() {
	c.mu.Lock()
	c.transcript = nil
	c.mu.Unlock()
}

// Count returns how many commands with the given name were issued.
func (c *Controller) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, line := range c.transcript {
		if commandName(line) == name {
			n++
		}
	}
	return n
}

// Scanning reports whether regular scanning is enabled.
func (c *Controller) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// Filtering reports whether offloaded filtering is enabled.
func (c *Controller) Filtering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filtering
}

// Batching reports whether batch scanning is running.
func (c *Controller) Batching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batching
}

// LegacyAdvertising reports whether the legacy advertiser is on.
func (c *Controller) LegacyAdvertising() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.legacyOn
}

// Instances returns the client handles with an enabled advertising instance.
func (c *Controller) Instances() []int {
	var out []int
	c.instances.Range(func(k int, _ *instance) bool {
		out = append(out, k)
		return true
	})
	return out
}

// InstancePayload returns the advertising data programmed for clientIf.
func (c *Controller) InstancePayload(clientIf int) (data, scanResp controller.AdvertisePayload, ok bool) {
	inst, found := c.instances.Get(clientIf)
	if !found {
		return data, scanResp, false
	}
	return inst.data, inst.scanResp, true
}

// StoreBatchReport appends a report to batch storage, discarding the oldest reports when
// storage is full. Reports are dropped while batch scanning is off.
func (c *Controller) StoreBatchReport(resultType int, report []byte) error {
	if len(report) > 255 {
		return fmt.Errorf("batch report too large: %d bytes", len(report))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.batching {
		return nil
	}
	rb := c.storage(resultType)
	need := len(report) + 1
	if need > rb.Capacity() {
		return fmt.Errorf("batch report exceeds storage: %d bytes", need)
	}
	for rb.Free() < need {
		if _, err := readFrame(rb); err != nil {
			rb.Reset()
			break
		}
	}
	if err := rb.WriteByte(byte(len(report))); err != nil {
		return fmt.Errorf("batch storage write: %w", err)
	}
	if _, err := rb.Write(report); err != nil {
		return fmt.Errorf("batch storage write: %w", err)
	}
	return nil
}

func (c *Controller) readReports(resultType int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	rb := c.storage(resultType)
	var reports [][]byte
	for !rb.IsEmpty() {
		frame, err := readFrame(rb)
		if err != nil {
			c.logger.WithError(err).Warn("Corrupt batch storage, discarding")
			rb.Reset()
			break
		}
		reports = append(reports, frame)
	}
	return reports
}

func (c *Controller) storage(resultType int) *ringbuffer.RingBuffer {
	if resultType == controller.ResultFull {
		return c.full
	}
	return c.truncated
}

func readFrame(rb *ringbuffer.RingBuffer) ([]byte, error) {
	n, err := rb.ReadByte()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, n)
	if n == 0 {
		return frame, nil
	}
	read, err := rb.Read(frame)
	if err != nil {
		return nil, err
	}
	if read != int(n) {
		return nil, fmt.Errorf("short batch frame: %d of %d bytes", read, n)
	}
	return frame, nil
}

// InjectResult publishes a scan result for clientIf.
func (c *Controller) InjectResult(clientIf int, address string, rssi int, data []byte) {
	c.publish(controller.ScanResult{ClientIf: clientIf, Address: address, RSSI: rssi, Data: data})
}

// InjectTrack publishes an on-found or on-lost event for clientIf.
func (c *Controller) InjectTrack(clientIf, filterIndex int, address string, found bool) {
	c.publish(controller.TrackEvent{ClientIf: clientIf, FilterIndex: filterIndex, Address: address, Found: found})
}

// Close stops accepting commands and waits for pending acknowledgements.
func (c *Controller) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.wg.Wait()
	return nil
}

func describe(cmd controller.Command) string {
	line := cmd.Name()
	if s, ok := cmd.(fmt.Stringer); ok {
		line = s.String()
	}
	return line
}

func commandName(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			return line[:i]
		}
	}
	return line
}

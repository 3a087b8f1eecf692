package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"classlink/internal/logging"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Devices hands out the local camera and microphone
// TECHNICAL DISCOVERY: capture devices are exclusive per process, so a second
// Acquire fails fast instead of queueing behind the first
type Devices struct {
	mu     sync.Mutex
	active *Capture
	logger *slog.Logger
}

func NewDevices(logger *slog.Logger) *Devices {
	return &Devices{logger: logging.OrDefault(logger).With("component", "media")}
}

// Acquire opens a capture for the given kinds.
func (d *Devices) Acquire(kinds ...Kind) (*Capture, error) {
	if len(kinds) == 0 {
		return nil, ErrNoKinds
	}
	for _, k := range kinds {
		if k != KindAudio && k != KindVideo {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, ErrResourceBusy
	}

	c := &Capture{id: uuid.NewString(), kinds: kinds, devices: d}
	d.active = c
	d.logger.Info("capture started", "capture", c.id, "kinds", kinds)
	return c, nil
}

// Busy reports whether a capture is held.
func (d *Devices) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

func (d *Devices) release(c *Capture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == c {
		d.active = nil
		d.logger.Info("capture stopped", "capture", c.id)
	}
}

// Capture is an acquired local stream. It implements types.StreamHandle.
type Capture struct {
	id      string
	kinds   []Kind
	devices *Devices
	once    sync.Once
}

func (c *Capture) ID() string { return c.id }

func (c *Capture) Kinds() []Kind { return append([]Kind(nil), c.kinds...) }

// Release frees the devices. Calling it again does nothing.
func (c *Capture) Release() error {
	c.once.Do(func() { c.devices.release(c) })
	return nil
}

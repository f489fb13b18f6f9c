package session

import (
	"sync"
	"time"
)

// Detector fires a callback once no speech has been reported for the
// configured timeout. It is armed by OnSpeechEnd and disarmed by OnSpeech or
// Stop.
type Detector struct {
	timeout   time.Duration
	mu        sync.Mutex
	timer     *time.Timer
	onTimeout func()
}

func NewDetector(timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Detector{timeout: timeout}
}

func (d *Detector) Timeout() time.Duration {
	return d.timeout
}

func (d *Detector) OnTimeout(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTimeout = callback
}

func (d *Detector) OnSpeech() {
	d.Stop()
}

func (d *Detector) OnSpeechEnd() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		if d.timer != timer {
			d.mu.Unlock()
			return
		}
		callback := d.onTimeout
		d.timer = nil
		d.mu.Unlock()

		if callback != nil {
			callback()
		}
	})
	d.timer = timer
}

// Stop disarms a pending timeout.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

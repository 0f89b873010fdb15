package speech

import (
	"sync"
	"time"
)

const defaultNoSpeechTimeout = 8 * time.Second

// Detector fires its silence callback when no speech is seen for timeout
// after being armed.
type Detector struct {
	timeout   time.Duration
	mu        sync.Mutex
	timer     *time.Timer
	stopped   bool
	onSilence func()
}

func NewDetector(timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = defaultNoSpeechTimeout
	}
	return &Detector{timeout: timeout}
}

func (d *Detector) OnSilence(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSilence = callback
}

// OnSpeech disarms the timer.
func (d *Detector) OnSpeech() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// OnUtteranceEnd (re)arms the timer.
func (d *Detector) OnUtteranceEnd() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		if d.stopped || d.timer != timer {
			d.mu.Unlock()
			return
		}
		callback := d.onSilence
		d.timer = nil
		d.mu.Unlock()

		if callback != nil {
			callback()
		}
	})
	d.timer = timer
}

// Stop disarms the timer for good.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

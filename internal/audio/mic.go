package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// FramesPerBuffer is the capture chunk size used by OpenMic.
const FramesPerBuffer = 1024

// ErrNoInputDevice is returned when the workstation has no usable microphone.
var ErrNoInputDevice = errors.New("no audio input device")

// Init loads PortAudio. Pair with Terminate.
func Init() error {
	return portaudio.Initialize()
}

func Terminate() error {
	return portaudio.Terminate()
}

// Mic is a mono PCM16 capture stream on the default input device.
type Mic struct {
	stream *portaudio.Stream
	device string
	buf    []int16
	out    []byte
}

func NewMic(sampleRate, framesPerBuffer int) (*Mic, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}
	if dev.MaxInputChannels < 1 {
		return nil, fmt.Errorf("%w: %s has no input channels", ErrNoInputDevice, dev.Name)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = framesPerBuffer

	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("open %s at %d Hz: %w", dev.Name, sampleRate, err)
	}

	slog.Info("microphone opened", "device", dev.Name, "sample_rate", sampleRate)
	return &Mic{stream: stream, device: dev.Name, buf: buf, out: make([]byte, 2*framesPerBuffer)}, nil
}

func (m *Mic) Device() string { return m.device }
func (m *Mic) Start() error   { return m.stream.Start() }
func (m *Mic) Stop() error    { return m.stream.Stop() }
func (m *Mic) Close() error   { return m.stream.Close() }

// Stream copies captured frames to w as PCM16-LE until a read or write fails.
func (m *Mic) Stream(w io.Writer) error {
	for {
		if err := m.stream.Read(); err != nil {
			return err
		}
		for i, s := range m.buf {
			binary.LittleEndian.PutUint16(m.out[2*i:], uint16(s))
		}
		if _, err := w.Write(m.out); err != nil {
			return err
		}
	}
}

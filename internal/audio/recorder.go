package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	defaultSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16
)

// ErrInvalidName is returned by Resolve for names outside the audio
// directory or with an unknown extension.
var ErrInvalidName = errors.New("invalid recording name")

var recordingExts = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
}

// Recorder captures the PCM stream of one dictation at a time and encodes
// it when the dictation finishes. Only bytes written between Start and
// Finish are kept.
type Recorder struct {
	audioDir string

	mu          sync.Mutex
	recordingID string
	rawPath     string
	rawFile     *os.File
	sampleRate  int

	encode func(rawPath, recordingID string) (string, error)
}

func NewRecorder(audioDir string) *Recorder {
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}

	r := &Recorder{audioDir: audioDir, sampleRate: defaultSampleRate}
	r.encode = r.defaultEncode
	return r
}

func (r *Recorder) SetSampleRate(sampleRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sampleRate > 0 {
		r.sampleRate = sampleRate
	}
}

// Writer tees everything written to dst into the active recording.
func (r *Recorder) Writer(dst io.Writer) io.Writer {
	return &teeWriter{recorder: r, dst: dst}
}

func (r *Recorder) Start(recordingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.audioDir, 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}

	if r.rawFile != nil {
		_ = r.rawFile.Close()
		_ = os.Remove(r.rawPath)
	}

	rawPath := filepath.Join(r.audioDir, recordingID+".pcm")
	rawFile, err := os.OpenFile(rawPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open raw pcm file: %w", err)
	}

	r.recordingID = recordingID
	r.rawPath = rawPath
	r.rawFile = rawFile

	return nil
}

// Finish closes the active recording and returns the encoded file path, or
// "" when nothing was recording.
func (r *Recorder) Finish() (string, error) {
	recordingID, rawPath, rawFile := r.detach()
	if rawFile == nil {
		return "", nil
	}

	if err := rawFile.Close(); err != nil {
		return "", fmt.Errorf("close raw pcm file: %w", err)
	}

	audioPath, err := r.encode(rawPath, recordingID)
	if err != nil {
		return "", err
	}

	_ = os.Remove(rawPath)
	return audioPath, nil
}

// Abort drops the active recording without encoding it.
func (r *Recorder) Abort() error {
	_, rawPath, rawFile := r.detach()
	if rawFile == nil {
		return nil
	}
	closeErr := rawFile.Close()
	if err := os.Remove(rawPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove raw pcm file: %w", err)
	}
	return closeErr
}

// Resolve maps a recording file name to its path inside the audio
// directory and returns its content type.
func (r *Recorder) Resolve(name string) (string, string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", "", ErrInvalidName
	}
	contentType, ok := recordingExts[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return "", "", ErrInvalidName
	}
	return filepath.Join(r.audioDir, name), contentType, nil
}

func (r *Recorder) detach() (string, string, *os.File) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recordingID, rawPath, rawFile := r.recordingID, r.rawPath, r.rawFile
	r.recordingID = ""
	r.rawPath = ""
	r.rawFile = nil
	return recordingID, rawPath, rawFile
}

func (r *Recorder) writePCM(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rawFile == nil {
		return nil
	}

	if _, err := r.rawFile.Write(data); err != nil {
		return fmt.Errorf("write raw pcm bytes: %w", err)
	}
	return nil
}

// defaultEncode prefers mp3 via ffmpeg or lame and falls back to wav.
func (r *Recorder) defaultEncode(rawPath, recordingID string) (string, error) {
	r.mu.Lock()
	sampleRate := r.sampleRate
	r.mu.Unlock()

	mp3Path := filepath.Join(r.audioDir, recordingID+".mp3")
	encoders := []func(string, string, int) error{encodeWithFFmpeg, encodeWithLame}
	for _, encode := range encoders {
		if err := encode(rawPath, mp3Path, sampleRate); err == nil {
			return mp3Path, nil
		}
	}

	wavPath := filepath.Join(r.audioDir, recordingID+".wav")
	if err := pcmToWav(rawPath, wavPath, sampleRate); err != nil {
		return "", fmt.Errorf("encode wav fallback: %w", err)
	}
	return wavPath, nil
}

func encodeWithFFmpeg(rawPath, outputPath string, sampleRate int) error {
	return exec.Command(
		"ffmpeg", "-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(pcmChannels),
		"-i", rawPath,
		outputPath,
	).Run()
}

func encodeWithLame(rawPath, outputPath string, sampleRate int) error {
	khz := strconv.FormatFloat(float64(sampleRate)/1000.0, 'f', -1, 64)
	return exec.Command(
		"lame", "-r",
		"-s", khz,
		"--bitwidth", strconv.Itoa(pcmBitDepth),
		"-m", "m",
		rawPath,
		outputPath,
	).Run()
}

// wavHeader is the canonical 44-byte PCM RIFF header.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

func newWavHeader(dataSize, sampleRate int) wavHeader {
	blockAlign := pcmChannels * pcmBitDepth / 8
	return wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      pcmChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * blockAlign),
		BlockAlign:    uint16(blockAlign),
		BitsPerSample: pcmBitDepth,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(dataSize),
	}
}

func pcmToWav(rawPath, wavPath string, sampleRate int) error {
	pcmData, err := os.ReadFile(rawPath)
	if err != nil {
		return fmt.Errorf("read raw pcm data: %w", err)
	}

	out, err := os.OpenFile(wavPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wav output: %w", err)
	}
	defer func() { _ = out.Close() }()

	if err := binary.Write(out, binary.LittleEndian, newWavHeader(len(pcmData), sampleRate)); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := out.Write(pcmData); err != nil {
		return fmt.Errorf("write wav payload: %w", err)
	}

	return nil
}

type teeWriter struct {
	recorder *Recorder
	dst      io.Writer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if err != nil {
		return n, err
	}

	if err := w.recorder.writePCM(p[:n]); err != nil {
		return n, err
	}

	return n, nil
}

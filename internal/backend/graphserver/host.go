package graphserver

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/audiowire/audiowire/internal/bridge"
	"github.com/audiowire/audiowire/pkg/audioformat"
	"github.com/audiowire/audiowire/pkg/audiohost"
)

// Host exposes the graph as an audiohost backend. The graph presents exactly
// one device, "system", whose channel counts come from the server's system
// ports and whose sample rate is the graph rate.
type Host struct {
	server *Server
	logger *slog.Logger
}

// NewHost wraps an existing server. The caller keeps ownership of the server
// lifecycle (Start/Close).
func NewHost(server *Server) *Host {
	return &Host{
		server: server,
		logger: slog.Default().With("host", "graph"),
	}
}

const systemDeviceID = 0

func (h *Host) systemDevice() audiohost.Device {
	return audiohost.Device{ID: systemDeviceID, Name: "system"}
}

// Devices lists the single system device.
func (h *Host) Devices() ([]audiohost.Device, error) {
	return []audiohost.Device{h.systemDevice()}, nil
}

// DefaultInputDevice returns the system device when it has capture channels.
func (h *Host) DefaultInputDevice() (audiohost.Device, bool) {
	if len(h.server.capture) == 0 {
		return audiohost.Device{}, false
	}
	return h.systemDevice(), true
}

// DefaultOutputDevice returns the system device when it has playback channels.
func (h *Host) DefaultOutputDevice() (audiohost.Device, bool) {
	if len(h.server.playback) == 0 {
		return audiohost.Device{}, false
	}
	return h.systemDevice(), true
}

func (h *Host) supportedFormats(dev audiohost.Device, channels int) ([]audioformat.SupportedRange, error) {
	if dev.ID != systemDeviceID {
		return nil, fmt.Errorf("device %d: %w", dev.ID, audiohost.ErrDeviceNotAvailable)
	}
	rate := h.server.SampleRate()
	var ranges []audioformat.SupportedRange
	for ch := 1; ch <= channels; ch++ {
		for _, sf := range []audioformat.SampleFormat{audioformat.SampleU16, audioformat.SampleI16, audioformat.SampleF32} {
			ranges = append(ranges, audioformat.SupportedRange{
				NumChannels:   ch,
				MinSampleRate: rate,
				MaxSampleRate: rate,
				Sample:        sf,
			})
		}
	}
	return ranges, nil
}

// SupportedInputFormats reports every channel count up to the system capture
// width, all three sample formats, at the graph's fixed rate.
func (h *Host) SupportedInputFormats(dev audiohost.Device) ([]audioformat.SupportedRange, error) {
	return h.supportedFormats(dev, len(h.server.capture))
}

// SupportedOutputFormats is SupportedInputFormats for the playback side.
func (h *Host) SupportedOutputFormats(dev audiohost.Device) ([]audioformat.SupportedRange, error) {
	return h.supportedFormats(dev, len(h.server.playback))
}

// BuildOutputStream opens a paused output stream on the system device and
// wires its channels onto the system playback ports. The format is checked
// against the supported ranges before any graph resources exist.
func (h *Host) BuildOutputStream(dev audiohost.Device, f audioformat.Format, onData audiohost.OutputCallback, onErr audiohost.ErrorCallback) (audiohost.Stream, error) {
	ranges, err := h.SupportedOutputFormats(dev)
	if err != nil {
		return nil, err
	}
	if err := audioformat.Negotiate(f, ranges); err != nil {
		return nil, err
	}

	client := h.server.NewClient(fmt.Sprintf("audiowire-out-%s", uuid.New().String()[:8]))
	st := &Stream{
		client: client,
		server: h.server,
		logger: h.logger.With("stream", client.Name()),
	}

	ports := make([]*Port, f.NumChannels)
	for c := range ports {
		p, err := client.RegisterPort(fmt.Sprintf("out_%d", c+1), Out)
		if err != nil {
			client.Close()
			return nil, err
		}
		ports[c] = p
	}

	br := bridge.NewOutput(f, h.server.PeriodFrames(), &st.playing, onData)
	views := make([][]float32, f.NumChannels)
	process := func(nframes int) {
		for c, p := range ports {
			views[c] = p.Buffer(nframes)
		}
		if !st.playing.Load() {
			for _, v := range views {
				clear(v)
			}
			return
		}
		br.Process(nframes, views)
	}
	if err := client.Activate(process, xrunNotifier(onErr)); err != nil {
		client.Close()
		return nil, err
	}
	if err := st.ConnectToSystemOutputs(); err != nil {
		st.Destroy()
		return nil, err
	}
	st.logger.Info("output stream built", "format", fmt.Sprintf("%dch %dHz %s", f.NumChannels, f.SampleRate, f.Sample))
	return st, nil
}

// BuildInputStream opens a paused input stream on the system device and wires
// the system capture ports onto its channels.
func (h *Host) BuildInputStream(dev audiohost.Device, f audioformat.Format, onData audiohost.InputCallback, onErr audiohost.ErrorCallback) (audiohost.Stream, error) {
	ranges, err := h.SupportedInputFormats(dev)
	if err != nil {
		return nil, err
	}
	if err := audioformat.Negotiate(f, ranges); err != nil {
		return nil, err
	}

	client := h.server.NewClient(fmt.Sprintf("audiowire-in-%s", uuid.New().String()[:8]))
	st := &Stream{
		client: client,
		server: h.server,
		logger: h.logger.With("stream", client.Name()),
		input:  true,
	}

	ports := make([]*Port, f.NumChannels)
	for c := range ports {
		p, err := client.RegisterPort(fmt.Sprintf("in_%d", c+1), In)
		if err != nil {
			client.Close()
			return nil, err
		}
		ports[c] = p
	}

	br := bridge.NewInput(f, h.server.PeriodFrames(), &st.playing, onData)
	views := make([][]float32, f.NumChannels)
	process := func(nframes int) {
		for c, p := range ports {
			views[c] = p.Buffer(nframes)
		}
		br.Process(nframes, views)
	}
	if err := client.Activate(process, xrunNotifier(onErr)); err != nil {
		client.Close()
		return nil, err
	}
	if err := st.ConnectToSystemInputs(); err != nil {
		st.Destroy()
		return nil, err
	}
	st.logger.Info("input stream built", "format", fmt.Sprintf("%dch %dHz %s", f.NumChannels, f.SampleRate, f.Sample))
	return st, nil
}

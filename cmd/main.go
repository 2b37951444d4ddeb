package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/spf13/viper"

	"github.com/audiowire/audiowire/cmd/config"
	"github.com/audiowire/audiowire/internal/backend/graphserver"
	"github.com/audiowire/audiowire/internal/backend/miniaudio"
	"github.com/audiowire/audiowire/internal/backend/otoplay"
	"github.com/audiowire/audiowire/internal/backend/wavefile"
	"github.com/audiowire/audiowire/pkg/audiobuffer"
	"github.com/audiowire/audiowire/pkg/audioformat"
	"github.com/audiowire/audiowire/pkg/audiohost"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	listDevices := flag.Bool("listDevices", false, "List the selected backend's devices and exit.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer := config.ConfigureLogger()
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	sampleRate := viper.GetInt("samplerate")
	channels := viper.GetInt("channels")

	host, cleanup, err := buildHost(viper.GetString("backend"), sampleRate, channels)
	if err != nil {
		slog.Error("error building host", "backend", viper.GetString("backend"), "err", err)
		panic(err)
	}
	defer cleanup()

	devices, err := host.Devices()
	if err != nil {
		slog.Error("error enumerating devices", "err", err)
		panic(err)
	}
	for _, dev := range devices {
		fmt.Printf("device %d: %s\n", dev.ID, dev.Name)
	}
	if *listDevices {
		return
	}

	// --------------------------------------------------------------------------------

	dev, ok := host.DefaultOutputDevice()
	if !ok {
		slog.Error("backend has no output device")
		panic("no output device")
	}

	format := audioformat.Format{
		NumChannels: channels,
		SampleRate:  sampleRate,
		Sample:      audioformat.SampleF32,
	}

	driver := audiohost.NewDriver()
	stream, err := host.BuildOutputStream(dev, format, sineCallback(viper.GetFloat64("tonehz"), sampleRate, channels), func(err error) {
		slog.Warn("stream fault", "err", err)
	})
	if err != nil {
		slog.Error("error building output stream", "device", dev.Name, "err", err)
		panic(err)
	}
	id := driver.Add(stream)

	duration := time.Duration(viper.GetInt("durationseconds")) * time.Second
	slog.Info("playing tone", "device", dev.Name, "tonehz", viper.GetFloat64("tonehz"), "duration", duration)

	driver.Play(id)
	time.Sleep(duration)
	driver.Destroy(id)

	ev := <-driver.Events()
	slog.Info("stream torn down", "stream", ev.Stream, "event", ev.Kind.String())
}

// buildHost picks the backend named in the config. The graph backend starts
// its own ticker; the cleanup function stops whatever the backend runs.
func buildHost(name string, sampleRate, channels int) (audiohost.Host, func(), error) {
	switch name {
	case "graph":
		server := graphserver.NewServer("audiowire", sampleRate, viper.GetInt("periodframes"), channels, channels)
		server.Start()
		return graphserver.NewHost(server), server.Close, nil
	case "miniaudio":
		h, err := miniaudio.NewHost()
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	case "oto":
		h, err := otoplay.NewHost(sampleRate, channels)
		if err != nil {
			return nil, nil, err
		}
		return h, func() {}, nil
	case "wavefile":
		return wavefile.NewHost(viper.GetString("outputdir")), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", name)
	}
}

// sineCallback fills each period with a fixed-frequency tone, carrying phase
// across periods.
func sineCallback(freq float64, sampleRate, channels int) audiohost.OutputCallback {
	var phase float64
	step := 2 * math.Pi * freq / float64(sampleRate)
	return func(out *audiobuffer.Output) {
		dst := out.Float32()
		for i := 0; i < len(dst); i += channels {
			v := float32(0.2 * math.Sin(phase))
			for c := 0; c < channels; c++ {
				dst[i+c] = v
			}
			phase += step
			if phase >= 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
	}
}

//go:build plugin

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"pipelined.dev/audio/vst2"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/bridge"
	"github.com/vsariola/polysynth/dsp"
	"github.com/vsariola/polysynth/gomidi"
	"github.com/vsariola/polysynth/middleware"
)

const (
	pluginID   = 'P'<<24 | 'o'<<16 | 'l'<<8 | 'y'
	pluginName = "Polysynth"
)

func init() {
	var (
		version = int32(100)
	)
	vst2.PluginAllocator = func(h vst2.Host) (vst2.Plugin, vst2.Dispatcher) {
		cfg := polysynth.DefaultConfig()
		if configDir, err := os.UserConfigDir(); err == nil {
			if c, err := polysynth.ReadConfig(filepath.Join(configDir, "polysynth", "preferences.yml")); err == nil {
				cfg = c
			}
		}
		m, err := middleware.New(cfg, dsp.Factory{}, polysynth.DefaultSnapshot(), middleware.Options{})
		if err != nil {
			// the preferences were broken, the defaults always work
			cfg = polysynth.DefaultConfig()
			m, _ = middleware.New(cfg, dsp.Factory{}, polysynth.DefaultSnapshot(), middleware.Options{})
		}
		ctx, cancel := context.WithCancel(context.Background())
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			ticker := time.NewTicker(10 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Tick()
				}
			}
		}()
		// the audio thread is the only producer of the MIDI queue
		enc := bridge.NewEncoder(bridge.MaxMessageSize)
		midiRing := m.Pair().MIDI
		return vst2.Plugin{
				UniqueID:       pluginID,
				Version:        version,
				InputChannels:  0,
				OutputChannels: 2,
				Name:           pluginName,
				Vendor:         "vsariola/polysynth",
				Category:       vst2.PluginCategorySynth,
				Flags:          vst2.PluginIsSynth,
				ProcessFloatFunc: func(in, out vst2.FloatBuffer) {
					m.Host().Fill(out.Channel(0)[:out.Frames], out.Channel(1)[:out.Frames])
				},
			}, vst2.Dispatcher{
				CanDoFunc: func(pcds vst2.PluginCanDoString) vst2.CanDoResponse {
					switch pcds {
					case vst2.PluginCanReceiveEvents, vst2.PluginCanReceiveMIDIEvent:
						return vst2.YesCanDo
					}
					return vst2.NoCanDo
				},
				ProcessEventsFunc: func(ev *vst2.EventsPtr) {
					for i := 0; i < ev.NumEvents(); i++ {
						if v, ok := ev.Event(i).(*vst2.MIDIEvent); ok {
							if gomidi.Translate(midi.Message(v.Data[:]), enc) {
								enc.WriteTo(midiRing)
							}
						}
					}
				},
				CloseFunc: func() {
					cancel()
					<-stopped
					m.Close()
				},
				GetChunkFunc: func(isPreset bool) []byte {
					var buf bytes.Buffer
					if err := m.Call(func(m *middleware.MiddleWare) error { return m.Save(&buf, true) }); err != nil {
						slog.Error("saving plugin state failed", "err", err)
						return nil
					}
					return buf.Bytes()
				},
				SetChunkFunc: func(data []byte, isPreset bool) {
					m.Do(func(m *middleware.MiddleWare) {
						if err := m.Load(bytes.NewReader(data)); err != nil {
							slog.Error("restoring plugin state failed", "err", err)
						}
					})
				},
			}
	}
}

func main() {}

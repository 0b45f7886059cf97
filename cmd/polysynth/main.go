package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/dsp"
	"github.com/vsariola/polysynth/gomidi"
	"github.com/vsariola/polysynth/middleware"
	"github.com/vsariola/polysynth/oto"
	"github.com/vsariola/polysynth/version"
)

var (
	sampleRate  = flag.Int("r", 0, "Sample rate in Hz. Overrides the preferences file.")
	bufferSize  = flag.Int("b", 0, "Block size in frames. Overrides the preferences file.")
	oscilSize   = flag.Int("o", 0, "Size of generated wavetables, a power of two. Overrides the preferences file.")
	swapLR      = flag.Bool("U", false, "Swap the left and right channels.")
	loadFile    = flag.String("l", "", "Load a session file (.yml or .json).")
	saveFile    = flag.String("save", "", "Save the session to this file on exit.")
	prefsFile   = flag.String("prefs", "", "Preferences file. Defaults to polysynth/preferences.yml in the user config directory.")
	midiInput   = flag.String("midi-input", "", "Connect MIDI input to the device whose name starts with this prefix.")
	oscAddr     = flag.String("osc", "", "Listen for OSC messages on `host:port`.")
	oscReply    = flag.String("osc-reply", "", "Send what the engine reports as OSC to `host:port`.")
	scriptFile  = flag.String("script", "", "Run a Lua automation script.")
	watch       = flag.Bool("watch", false, "Reload the session file when it changes on disk.")
	keys        = flag.Bool("keyboard", false, "Play notes with the computer keyboard.")
	keysChannel = flag.Int("channel", 0, "MIDI channel of the computer keyboard.")
	render      = flag.Float64("render", 0, "Render this many seconds to the file given with -out instead of playing.")
	outFile     = flag.String("out", "out.wav", "Output file of -render; .raw writes headerless samples, anything else a .wav.")
	pcm         = flag.Bool("c", false, "Convert rendered audio to 16-bit signed PCM.")
	report      = flag.Bool("report", false, "Print a summary of the session and exit.")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn or error.")
	versionFlag = flag.Bool("v", false, "Print version.")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "polysynth: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", *logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := readConfig()
	if err != nil {
		return err
	}
	if *loadFile == "" && flag.NArg() > 0 {
		*loadFile = flag.Arg(0)
	}
	s := polysynth.DefaultSnapshot()
	if *loadFile != "" {
		if s, err = middleware.ReadSession(*loadFile); err != nil {
			return err
		}
	}
	if *report {
		return middleware.Report(os.Stdout, s)
	}

	m, err := middleware.New(cfg, dsp.Factory{}, s, middleware.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer m.Close()
	if *render > 0 {
		return renderToFile(m, *render)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	audio, err := oto.NewContext(cfg.SampleRate, 4*cfg.BufferSize)
	if err != nil {
		return err
	}
	defer audio.Close()
	output := audio.Play(m.Host().Process)

	midi := gomidi.NewInput(m.Pair().MIDI)
	defer midi.Close()
	if isFlagPassed("midi-input") {
		if err := midi.Open(*midiInput); err != nil {
			logger.Warn("no MIDI input", "prefix", *midiInput, "err", err, "available", midi.Devices())
		} else {
			logger.Info("MIDI input open", "device", midi.Current())
		}
	}
	if *oscAddr != "" {
		ep, err := m.ServeOSC(*oscAddr, *oscReply)
		if err != nil {
			return err
		}
		defer ep.Close()
	}
	if *watch && *loadFile != "" {
		if err := m.Watch(ctx, *loadFile); err != nil {
			return err
		}
	}
	if *keys {
		k, err := startKeyboard(ctx, cancel, m, *keysChannel)
		if err != nil {
			return err
		}
		defer k.Close()
	}
	if *scriptFile != "" {
		src, err := os.ReadFile(*scriptFile)
		if err != nil {
			return err
		}
		interactive := *keys || *oscAddr != "" || isFlagPassed("midi-input")
		go func() {
			if err := m.RunScript(ctx, filepath.Base(*scriptFile), string(src)); err != nil {
				logger.Error("script failed", "err", err)
			}
			if !interactive {
				cancel()
			}
		}()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			m.Tick()
		}
	}
	if *saveFile != "" {
		// save while the engine still runs, a frozen state needs an ack
		if err := m.SaveFile(*saveFile); err != nil {
			logger.Error("saving session failed", "path", *saveFile, "err", err)
		}
	}
	if d := m.Host().Engine().Dropped(); d > 0 {
		logger.Warn("engine dropped outbound messages", "count", d)
	}
	return output.Close()
}

// readConfig reads the preferences file and applies the flags on top.
func readConfig() (polysynth.Config, error) {
	path := *prefsFile
	if path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(dir, "polysynth", "preferences.yml")
		}
	}
	cfg := polysynth.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = polysynth.ReadConfig(path); err != nil {
			return cfg, err
		}
	}
	if isFlagPassed("r") {
		cfg.SampleRate = *sampleRate
	}
	if isFlagPassed("b") {
		cfg.BufferSize = *bufferSize
	}
	if isFlagPassed("o") {
		cfg.OscilSize = *oscilSize
	}
	if *swapLR {
		cfg.SwapLR = true
	}
	return cfg, cfg.Validate()
}

// renderToFile renders offline, driving the engine and the control side from
// this goroutine. With a script, rendering is paced to real time so that the
// script's sleeps line up with the audio.
func renderToFile(m *middleware.MiddleWare, seconds float64) error {
	cfg := m.Config()
	var src []byte
	done := make(chan error, 1)
	if *scriptFile != "" {
		var err error
		if src, err = os.ReadFile(*scriptFile); err != nil {
			return err
		}
		go func() { done <- m.RunScript(context.Background(), filepath.Base(*scriptFile), string(src)) }()
	}
	frames := int(seconds * float64(cfg.SampleRate))
	buf := make(polysynth.AudioBuffer, frames)
	block := time.Duration(cfg.BufferSize) * time.Second / time.Duration(cfg.SampleRate)
	for pos := 0; pos < frames; pos += cfg.BufferSize {
		m.Tick()
		if err := m.Host().Process(buf[pos:min(pos+cfg.BufferSize, frames)]); err != nil {
			return err
		}
		if src != nil {
			time.Sleep(block)
		}
	}
	m.Tick()
	if src != nil {
		select {
		case err := <-done:
			if err != nil {
				return err
			}
		default:
			m.Logger().Warn("script still running when rendering ended")
		}
	}
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(*outFile), ".raw") {
		data, err = buf.Raw(*pcm)
	} else {
		data, err = buf.Wav(*pcm, cfg.SampleRate)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(*outFile, data, 0644); err != nil {
		return fmt.Errorf("could not write file %v: %w", *outFile, err)
	}
	m.Logger().Info("rendered", "file", *outFile, "seconds", seconds)
	return nil
}

func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Polysynth, a multi-part software synthesizer.\nUsage: %s [flags] [session file]\n", os.Args[0])
	flag.PrintDefaults()
}

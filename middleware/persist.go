package middleware

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/engine"
	"github.com/vsariola/polysynth/version"
)

var ErrIncompatibleVersion = version.ErrIncompatible

// Marshal encodes a snapshot as a session file, stamped with the current
// format version.
func Marshal(s polysynth.Snapshot, asJSON bool) ([]byte, error) {
	s.Version = version.FormatVersion
	if asJSON {
		return json.MarshalIndent(s, "", "  ")
	}
	return yaml.Marshal(s)
}

// Unmarshal decodes a session file in either JSON or YAML, checks that its
// format version can be read and validates it.
func Unmarshal(b []byte) (polysynth.Snapshot, error) {
	var s polysynth.Snapshot
	if errJSON := json.Unmarshal(b, &s); errJSON != nil {
		s = polysynth.Snapshot{}
		if errYaml := yaml.Unmarshal(b, &s); errYaml != nil {
			return s, fmt.Errorf("unmarshaling session: %v / %v", errYaml, errJSON)
		}
	}
	if err := version.CheckFormat(s.Version); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Snapshot returns a consistent copy of the parameter tree of the engine.
func (m *MiddleWare) Snapshot() (polysynth.Snapshot, error) {
	var s polysynth.Snapshot
	err := m.DoReadOnlyOp(func(e *engine.Engine) error {
		s = e.Snapshot()
		return nil
	})
	return s, err
}

// Save writes the full parameter tree of the engine.
func (m *MiddleWare) Save(w io.Writer, asJSON bool) error {
	s, err := m.Snapshot()
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	b, err := Marshal(s, asJSON)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// SaveFile saves the session to path, as JSON if the extension is .json and
// as YAML otherwise. The file is replaced only after it was written
// completely.
func (m *MiddleWare) SaveFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".polysynth-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := m.Save(tmp, filepath.Ext(path) == ".json"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	m.path, m.savedAt = path, m.clock.Now()
	return nil
}

// Load reads a session and replaces the engine with one constructed from it.
// On any error the running engine is left untouched.
func (m *MiddleWare) Load(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	s, err := Unmarshal(b)
	if err != nil {
		m.alerts.Add(fmt.Sprintf("Error loading a session: %v", err), Error)
		return err
	}
	return m.LoadSnapshot(s)
}

func (m *MiddleWare) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	m.path = path
	return nil
}

// Path is the session file last loaded or saved.
func (m *MiddleWare) Path() string { return m.path }

// LoadSnapshot constructs a new engine from s on the control goroutine and
// sends it to the running one, which steps aside after its current block.
// An offline engine is replaced directly.
func (m *MiddleWare) LoadSnapshot(s polysynth.Snapshot) error {
	next, err := engine.New(m.cfg, m.pair, m.factory, s)
	if err != nil {
		m.alerts.Add(fmt.Sprintf("Error loading a session: %v", err), Error)
		return err
	}
	if m.offline {
		m.host.Install(next)
	} else if err := m.handOver("/load-master", next); err != nil {
		return err
	}
	m.requestTables(s)
	return nil
}

// LoadPart replaces the instrument of part i. The old part comes back with
// /free and is dropped.
func (m *MiddleWare) LoadPart(i int, instr polysynth.Instrument) error {
	if i < 0 || i >= polysynth.NumParts {
		return fmt.Errorf("part %d out of range", i)
	}
	p, err := m.factory.NewPart(instr, m.cfg)
	if err != nil {
		return err
	}
	if err := m.handOver(fmt.Sprintf("/part%d/load", i), &engine.LoadedPart{Part: p, Instrument: instr.Copy()}); err != nil {
		return err
	}
	m.requestTable(i, instr)
	return nil
}

// LoadEffect replaces an insertion effect (system == false) or a system
// effect. Type EffectNone disables the slot.
func (m *MiddleWare) LoadEffect(system bool, i int, preset polysynth.EffectPreset) error {
	path, n := "/insefx%d/load", polysynth.NumInsEffects
	if system {
		path, n = "/sysefx%d/load", polysynth.NumSysEffects
	}
	if i < 0 || i >= n {
		return fmt.Errorf("effect slot %d out of range", i)
	}
	var fx polysynth.Effect
	if preset.Type != polysynth.EffectNone {
		var err error
		if fx, err = m.factory.NewEffect(preset, m.cfg); err != nil {
			return err
		}
	}
	return m.handOver(fmt.Sprintf(path, i), &engine.LoadedEffect{Effect: fx, Type: preset.Type})
}

// ReadSession reads and validates a session file without loading it.
func ReadSession(path string) (polysynth.Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return polysynth.Snapshot{}, err
	}
	s, err := Unmarshal(b)
	if err != nil {
		return s, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

package polysynth

const (
	NumParts        = 16  // number of voice containers in an engine
	NumInsEffects   = 8   // number of insertion effect slots
	NumSysEffects   = 4   // number of system effect slots
	NumMIDIChannels = 16  // parts listen to one of these
	NumNotes        = 128 // MIDI note range
	MaxParamValue   = 127 // upper bound of every UI-facing integer control
)

// Controller types understood by Part.SetController. Values below 128 are MIDI
// control change numbers.
const (
	CtlModWheel            = 1
	CtlDataEntryHi         = 6
	CtlVolume              = 7
	CtlPan                 = 10
	CtlExpression          = 11
	CtlDataEntryLo         = 38
	CtlSustain             = 64 // value 0 or 1
	CtlPortamento          = 65 // value 0 or 1
	CtlNRPNLo              = 98
	CtlNRPNHi              = 99
	CtlAllSoundOff         = 120
	CtlResetAllControllers = 121
	CtlAllNotesOff         = 123
	CtlPitchWheel          = 1000 // value in cents
)

const (
	// InsertionDisabled and InsertionMaster are the special values of an
	// insertion effect target; non-negative targets are part indices.
	InsertionDisabled = -2
	InsertionMaster   = -1
)

type (
	// Part is a voice container: it owns a number of voices, is told which
	// notes to play and renders one block of stereo audio at a time. All
	// methods are called from the audio goroutine only, so implementations
	// must not block or allocate from the heap in them.
	Part interface {
		// ComputeBlock renders one block into l and r, overwriting them.
		ComputeBlock(l, r []float32)
		// NoteOn starts a note. freq is the explicit frequency in Hz; zero
		// means the part derives it from the note number.
		NoteOn(note, velocity byte, freq float32)
		NoteOff(note byte)
		// SetController receives an already interpreted controller value,
		// see the Ctl constants for the types and their ranges.
		SetController(typ, value int)
		// Cleanup silences all voices immediately.
		Cleanup()
	}

	// Effect processes a stereo buffer pair in place. Like Part, all
	// methods are called from the audio goroutine.
	Effect interface {
		Apply(l, r []float32)
		// SetParamRealtime changes one parameter. It is called while
		// rendering, from the NRPN dispatch path, so it must be lock free.
		SetParamRealtime(index int, value byte)
		// Param returns the current value of a parameter, 0 for indices the
		// effect does not use.
		Param(index int) byte
		// OutputVolume is the linear gain the engine uses for the effect
		// output: the send return level for system effects and the wet
		// amount for insertion effects.
		OutputVolume() float32
		// Cleanup clears all internal buffers (delay lines, filter states).
		Cleanup()
	}

	// Allocator hands out fixed size scratch blocks from memory reserved in
	// advance. Alloc never allocates from the heap; when the reserve is
	// exhausted it returns ok == false and the caller must degrade.
	Allocator interface {
		Alloc() (block []float32, ok bool)
		Free(block []float32)
		BlockSize() int
	}

	// AllocatorUser is implemented by parts that want scratch memory from the
	// real-time pool of the engine they are installed into. UseAllocator(nil)
	// makes the part give back every block it holds.
	AllocatorUser interface {
		UseAllocator(a Allocator)
	}

	// TableReceiver is implemented by parts that play back a precomputed
	// table, built outside the audio goroutine. SwapTable installs the new
	// table and returns the previous one, which the caller must dispose of on
	// the goroutine that allocated it.
	TableReceiver interface {
		SwapTable(table any) (old any)
	}

	// Factory constructs the collaborators of an engine. It is only ever
	// called on the control goroutine.
	Factory interface {
		NewPart(instr Instrument, cfg Config) (Part, error)
		NewEffect(effect EffectPreset, cfg Config) (Effect, error)
	}
)

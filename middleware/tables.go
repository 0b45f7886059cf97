package middleware

import (
	"fmt"
	"sync"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/dsp"
)

type (
	// workers build wavetables off the control goroutine. They never talk to
	// the engine; finished tables are handed over by Tick.
	workers struct {
		jobs    chan tableJob
		results chan tableResult
		wg      sync.WaitGroup
		once    sync.Once
	}

	tableJob struct {
		part  int
		gen   uint64
		instr polysynth.Instrument
		cfg   polysynth.Config
	}

	tableResult struct {
		part  int
		gen   uint64
		table *dsp.PadTable
		err   error
	}
)

func startWorkers(n int) *workers {
	w := &workers{
		jobs:    make(chan tableJob, 2*polysynth.NumParts),
		results: make(chan tableResult, 2*polysynth.NumParts),
	}
	for range n {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for job := range w.jobs {
				t, err := dsp.BuildPadTable(job.instr, job.cfg)
				w.results <- tableResult{part: job.part, gen: job.gen, table: t, err: err}
			}
		}()
	}
	return w
}

func (w *workers) close() {
	w.once.Do(func() {
		close(w.jobs)
		go func() {
			// let blocked workers finish
			for range w.results {
			}
		}()
		w.wg.Wait()
		close(w.results)
	})
}

// requestTables schedules a table build for every part of s whose
// instrument needs one. Builds already running for those parts go stale.
func (m *MiddleWare) requestTables(s polysynth.Snapshot) {
	for i, p := range s.Parts {
		m.requestTable(i, p.Instrument)
	}
}

func (m *MiddleWare) requestTable(part int, instr polysynth.Instrument) {
	m.tableGen[part]++
	if !dsp.NeedsTable(instr) {
		return
	}
	job := tableJob{part: part, gen: m.tableGen[part], instr: instr.Copy(), cfg: m.cfg}
	m.pending++
	m.queued = append(m.queued, job)
	m.feedWorkers()
}

// feedWorkers passes queued jobs to the workers without blocking; results are
// only drained by Tick, so blocking here could deadlock.
func (m *MiddleWare) feedWorkers() {
	for len(m.queued) > 0 {
		select {
		case m.workers.jobs <- m.queued[0]:
			m.queued = m.queued[1:]
		default:
			return
		}
	}
}

// collectTables hands finished tables to the engine, oldest first. Tables
// for parts that have been reloaded since are dropped.
func (m *MiddleWare) collectTables() {
	for drained := false; !drained; {
		select {
		case r := <-m.workers.results:
			m.pending--
			if r.gen == m.tableGen[r.part] {
				m.unsent = append(m.unsent, r)
			}
		default:
			drained = true
		}
	}
	m.feedWorkers()
	for len(m.unsent) > 0 {
		r := m.unsent[0]
		if r.gen != m.tableGen[r.part] {
			m.unsent = m.unsent[1:]
			continue
		}
		if r.err != nil {
			m.logger.Error("building wavetable failed", "part", r.part, "err", r.err)
			m.alerts.Add(fmt.Sprintf("Part %d: %v", r.part, r.err), Error)
			m.unsent = m.unsent[1:]
			continue
		}
		if err := m.handOver(fmt.Sprintf("/part%d/table", r.part), r.table); err != nil {
			m.logger.Debug("wavetable handover postponed", "part", r.part, "err", err)
			return
		}
		m.unsent = m.unsent[1:]
	}
}

// TablesPending returns the number of wavetables being built or waiting to be
// handed to the engine.
func (m *MiddleWare) TablesPending() int { return m.pending + len(m.unsent) }

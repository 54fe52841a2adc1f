package sched

import "time"

// PoolSizes configures the worker count of each named pool. Zero values fall
// back to the defaults listed on each field.
type PoolSizes struct {
	// Audio is the audio-processing pool size. Default: 4.
	Audio int

	// STT is the speech-to-text pool size. Default: 3.
	STT int

	// LLM is the generation pool size. Default: 2.
	LLM int

	// Scheduled is the timer/janitor pool size. Default: 2.
	Scheduled int
}

// Coordinator owns the four workload pools and hands them out to pipeline
// components. It exists so the pools are created, sized, and shut down in one
// place.
type Coordinator struct {
	audio     *Pool
	stt       *Pool
	llm       *Pool
	scheduled *Pool
}

// NewCoordinator creates the named pools with their overflow policies:
// caller-runs for audio (ingress is never dropped), bounded reject queues for
// STT and LLM.
func NewCoordinator(sizes PoolSizes) *Coordinator {
	if sizes.Audio <= 0 {
		sizes.Audio = 4
	}
	if sizes.STT <= 0 {
		sizes.STT = 3
	}
	if sizes.LLM <= 0 {
		sizes.LLM = 2
	}
	if sizes.Scheduled <= 0 {
		sizes.Scheduled = 2
	}

	return &Coordinator{
		audio: NewPool(Config{
			Name:     "audio",
			Workers:  sizes.Audio,
			Overflow: CallerRuns,
		}),
		stt: NewPool(Config{
			Name:       "stt",
			Workers:    sizes.STT,
			QueueDepth: 2 * sizes.STT,
			Overflow:   Reject,
		}),
		llm: NewPool(Config{
			Name:       "llm",
			Workers:    sizes.LLM,
			QueueDepth: 2 * sizes.LLM,
			Overflow:   Reject,
			// LLM turns regularly outlive the default job deadline while
			// tokens stream; the orchestrator applies its own turn timeout.
			JobTimeout: 2 * time.Minute,
		}),
		scheduled: NewPool(Config{
			Name:       "scheduled",
			Workers:    sizes.Scheduled,
			QueueDepth: 8 * sizes.Scheduled,
			Overflow:   Reject,
		}),
	}
}

// Audio returns the audio-processing pool.
func (c *Coordinator) Audio() *Pool { return c.audio }

// STT returns the speech-to-text pool.
func (c *Coordinator) STT() *Pool { return c.stt }

// LLM returns the generation pool.
func (c *Coordinator) LLM() *Pool { return c.llm }

// Scheduled returns the timer/janitor pool.
func (c *Coordinator) Scheduled() *Pool { return c.scheduled }

// Stats returns per-pool counter snapshots keyed by pool name.
func (c *Coordinator) Stats() map[string]Stats {
	return map[string]Stats{
		c.audio.Name():     c.audio.Stats(),
		c.stt.Name():       c.stt.Stats(),
		c.llm.Name():       c.llm.Stats(),
		c.scheduled.Name(): c.scheduled.Stats(),
	}
}

// Close shuts down all pools.
func (c *Coordinator) Close() {
	c.audio.Close()
	c.stt.Close()
	c.llm.Close()
	c.scheduled.Close()
}

package engine

import "sync"

// BandStats counts one priority band's dispatch outcomes since start.
type BandStats struct {
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Retried    uint64 `json:"retried"`
}

// Stats is a point-in-time snapshot of engine activity, exposed on the
// health endpoint.
type Stats struct {
	QueueDepth       int                  `json:"queue_depth"`
	Bands            map[string]BandStats `json:"bands"`
	WatchdogRequeues uint64               `json:"watchdog_requeues"`
	WatchdogFailures uint64               `json:"watchdog_failures"`
}

type statsCounters struct {
	mu               sync.Mutex
	bands            map[string]*BandStats
	watchdogRequeues uint64
	watchdogFailures uint64
}

func newStatsCounters() *statsCounters {
	return &statsCounters{bands: make(map[string]*BandStats)}
}

func (c *statsCounters) band(name string) *BandStats {
	bs, ok := c.bands[name]
	if !ok {
		bs = &BandStats{}
		c.bands[name] = bs
	}
	return bs
}

func (c *statsCounters) recordDispatch(band string, completed, failed, retried int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bs := c.band(band)
	bs.Dispatched += uint64(completed + failed + retried)
	bs.Completed += uint64(completed)
	bs.Failed += uint64(failed)
	bs.Retried += uint64(retried)
}

func (c *statsCounters) recordWatchdogRequeue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchdogRequeues++
}

func (c *statsCounters) recordWatchdogFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchdogFailures++
}

// Stats returns a snapshot of the engine's activity counters and the current
// live queue depth.
func (e *Engine) Stats() Stats {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	bands := make(map[string]BandStats, len(e.stats.bands))
	for name, bs := range e.stats.bands {
		bands[name] = *bs
	}
	return Stats{
		QueueDepth:       e.queue.Len(),
		Bands:            bands,
		WatchdogRequeues: e.stats.watchdogRequeues,
		WatchdogFailures: e.stats.watchdogFailures,
	}
}

package chat

import (
	"sync"
	"time"
)

// GroupWindow is how long the collector waits for further parts of a
// media group after the latest one. Telegram delivers album parts as
// separate updates in quick succession.
const GroupWindow = 2 * time.Second

// Collector merges the parts of a media group into one Incoming
// before handing it to the pipeline, so an album becomes a single
// user turn instead of one turn per photo.
type Collector struct {
	mu     sync.Mutex
	groups map[string]*pendingGroup
	window time.Duration
	flush  func(Incoming)
}

type pendingGroup struct {
	merged Incoming
	timer  *time.Timer
}

// NewCollector creates a collector that calls flush with each
// completed group.
func NewCollector(flush func(Incoming)) *Collector {
	return &Collector{
		groups: make(map[string]*pendingGroup),
		window: GroupWindow,
		flush:  flush,
	}
}

// Add feeds one update. Messages without a group id flush
// immediately; grouped parts are held until the group goes quiet.
func (c *Collector) Add(groupID string, inc Incoming) {
	if groupID == "" {
		c.flush(inc)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupID]
	if !ok {
		g = &pendingGroup{merged: inc}
		g.timer = time.AfterFunc(c.window, func() { c.fire(groupID) })
		c.groups[groupID] = g
		return
	}

	g.merged.Images = append(g.merged.Images, inc.Images...)
	g.merged.Files = append(g.merged.Files, inc.Files...)
	if g.merged.Text == "" {
		g.merged.Text = inc.Text
	}
	g.timer.Reset(c.window)
}

func (c *Collector) fire(groupID string) {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	delete(c.groups, groupID)
	c.mu.Unlock()
	if ok {
		c.flush(g.merged)
	}
}

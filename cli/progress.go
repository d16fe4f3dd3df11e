package cli

import (
	"sync"

	"github.com/moyoez/courseupload/notify"
	"github.com/moyoez/courseupload/tool"
	"github.com/moyoez/courseupload/types"
)

const progressStep = 5.0

// progressLogger logs phase changes and every progressStep percent of one session.
type progressLogger struct {
	sessionID string
	log       func(format string, args ...any)

	mu       sync.Mutex
	phase    types.UploadPhase
	lastStep int
}

func newProgressLogger(sessionID string) *progressLogger {
	return &progressLogger{sessionID: sessionID, log: tool.DefaultLogger.Infof, lastStep: -1}
}

func (p *progressLogger) follow(bus *notify.Bus) func() {
	return bus.Subscribe(p.handle)
}

func (p *progressLogger) handle(ev types.Event) {
	if ev.SessionID != p.sessionID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Type {
	case types.EventPhase:
		if ev.Phase != p.phase {
			p.phase = ev.Phase
			p.log("[Upload] %s (%.0f%%)", ev.Phase, ev.Percent)
		}
	case types.EventProgress:
		step := int(ev.Percent / progressStep)
		if step > p.lastStep {
			p.lastStep = step
			p.log("[Upload] %s %.0f%%", p.phase, float64(step)*progressStep)
		}
	case types.EventEncryptionFallback:
		p.log("[Upload] encryption failed, continuing without it: %s", ev.Message)
	case types.EventPartFailed:
		p.log("[Upload] part %v failed: %s", ev.Data["partNumber"], ev.Message)
	}
}

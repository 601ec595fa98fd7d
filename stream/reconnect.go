package stream

import (
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/av"

	log "github.com/sirupsen/logrus"
)

// onProcessExit classifies an unexpected process exit as a transport failure
// and schedules a reconnect from the last-good settings.
func (c *Controller) onProcessExit(err error) {
	c.mu.Lock()
	if c.st != stateRunning {
		c.mu.Unlock()
		return
	}
	c.st = stateReconnecting
	c.handle = nil
	c.mu.Unlock()

	log.Warn("encoder process exited: ", err)
	c.scheduleReconnect(av.NewError(av.TransportFailure, "process exit", err))
}

// scheduleReconnect arms the fixed-backoff timer. Stop cancels the timer, so
// a pending reconnect never fires after the caller asked for teardown.
func (c *Controller) scheduleReconnect(cause error) {
	av.PushStatus(c.status, av.Status{State: av.StateReconnecting, Err: cause})

	c.mu.Lock()
	if c.st != stateReconnecting {
		c.mu.Unlock()
		return
	}
	if c.reconnectTmr != nil {
		c.reconnectTmr.Stop()
	}
	c.reconnects++
	backoff := c.backoff
	c.reconnectTmr = time.AfterFunc(backoff, c.tryReconnect)
	c.mu.Unlock()

	log.Infof("reconnect scheduled in %v", backoff)
}

// tryReconnect relaunches from the last settings that worked. A failed
// relaunch re-arms the same backoff.
func (c *Controller) tryReconnect() {
	c.mu.Lock()
	if c.st != stateReconnecting {
		c.mu.Unlock()
		return
	}
	cfg := c.settings
	c.mu.Unlock()

	kind, err := c.selectKind(cfg.Codec)
	if err != nil {
		c.scheduleReconnect(av.NewError(av.TransportFailure, "reconnect", err))
		return
	}

	h, err := c.launch(cfg, kind)
	if err != nil {
		log.Warn("reconnect failed: ", err)
		c.scheduleReconnect(av.NewError(av.TransportFailure, "reconnect", err))
		return
	}

	c.mu.Lock()
	if c.st != stateReconnecting {
		// Stop won the race; do not resurrect
		c.mu.Unlock()
		h.shutdown()
		return
	}
	c.handle = h
	c.gen++
	gen := c.gen
	c.st = stateRunning
	c.mu.Unlock()

	atomic.StoreInt64(&c.pendingBytes, 0)
	go c.monitor(h, gen)
	av.PushStatus(c.status, av.Status{State: av.StateStarted})
	log.Info("stream reconnected")
}

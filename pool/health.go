package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/agentuity/go-bridge/protocol"
	"github.com/shirou/gopsutil/v4/process"
)

// missedHeartbeats is how many heartbeat intervals a worker may stay silent
const missedHeartbeats = 3

// pongTimeout bounds the reply to a worker ping, a stalled reply closes the conn
const pongTimeout = 5 * time.Second

func processRSS(pid int) (uint64, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}

// checkHealth runs on every health interval
func (p *Pool) checkHealth(ctx context.Context) {
	if p.closed.Load() {
		return
	}
	now := p.now()
	for _, h := range p.list() {
		st := h.State()
		if st != StateReady && st != StateDegraded {
			continue
		}
		p.evaluate(h, now)
		if p.shouldRecycle(h, now) {
			continue
		}
		p.heartbeat(ctx, h, now)
	}
}

func (p *Pool) shouldRecycle(h *Handle, now time.Time) bool {
	policy := p.opts.Recycle
	if policy.MaxAge > 0 && now.Sub(h.spawnedAt) >= policy.MaxAge {
		p.recycleAsync(h, "older than %v", policy.MaxAge)
		return true
	}
	if policy.MaxMemoryBytes > 0 && h.pid > 0 {
		rss, err := p.memoryOf(h.pid)
		if err != nil {
			p.logger.Debug("could not read memory of worker %s (pid %d): %s", h.ID, h.pid, err)
			return false
		}
		if rss > policy.MaxMemoryBytes {
			p.recycleAsync(h, "rss %d exceeds %d bytes", rss, policy.MaxMemoryBytes)
			return true
		}
	}
	return false
}

// heartbeat pings a worker once per interval and kills it when it has not
// answered for missedHeartbeats intervals. The exit path respawns it.
func (p *Pool) heartbeat(ctx context.Context, h *Handle, now time.Time) {
	interval := p.opts.HeartbeatInterval
	if interval <= 0 {
		return
	}
	lastPong := time.Unix(0, h.lastPong.Load())
	if silent := now.Sub(lastPong); silent > missedHeartbeats*interval {
		p.logger.Warn("worker %s missed %d heartbeats (silent for %v), killing it", h.ID, missedHeartbeats, silent)
		_ = h.proc.Kill()
		return
	}
	if now.Sub(time.Unix(0, h.lastPing.Load())) < interval {
		return
	}
	h.lastPing.Store(now.UnixNano())
	seq := h.pingSeq.Add(1)
	sctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()
	ping := &protocol.Envelope{CorrelationID: fmt.Sprintf("heartbeat-%s-%d", h.ID, seq), Kind: protocol.KindPing}
	if err := h.Send(sctx, ping); err != nil {
		p.logger.Debug("heartbeat to worker %s failed: %s", h.ID, err)
	}
}

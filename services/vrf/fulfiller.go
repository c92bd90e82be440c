package vrf

import (
	"context"

	"github.com/R3E-Network/raffle_layer/internal/metrics"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

// Start launches the background fulfiller. It is a no-op unless AutoFulfill
// is set.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.cfg.AutoFulfill {
		return nil
	}

	// Requests issued before Start are already queued.
	c.wg.Add(1)
	go c.runRequestFulfiller(ctx)
	return nil
}

// Stop stops the fulfiller and waits for an in-progress delivery to finish.
func (c *Coordinator) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return nil
}

// runRequestFulfiller processes queued requests.
func (c *Coordinator) runRequestFulfiller(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case id := <-c.pendingRequests:
			if !c.wait(ctx) {
				return
			}
			c.fulfillRequest(ctx, id)
		}
	}
}

func (c *Coordinator) wait(ctx context.Context) bool {
	if c.cfg.FulfillDelay <= 0 {
		return true
	}
	c.mu.Lock()
	clk := c.clock
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-clk.After(c.cfg.FulfillDelay):
		return true
	}
}

func (c *Coordinator) fulfillRequest(ctx context.Context, id raffle.RequestID) {
	if _, err := c.Fulfill(ctx, id, nil); err != nil {
		c.markRequestFailed(id, err.Error())
	}
}

// markRequestFailed marks a request as failed.
func (c *Coordinator) markRequestFailed(id raffle.RequestID, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[id]
	if !ok || req.Status == RequestStatusFulfilled {
		return
	}
	req.Status = RequestStatusFailed
	req.Error = errMsg
	metrics.RecordVRFRequest("failed")
}

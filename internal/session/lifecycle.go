package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
)

// live reports whether a session is collecting or paused.
func live(s model.State) bool {
	return s == model.StateActive || s == model.StatePaused
}

// Start begins collection for siteID. A session identifier kept by an
// earlier Stop is reused; otherwise a new one is generated. It returns
// ErrAlreadyStarted if a session is live.
func (c *Controller) Start(ctx context.Context, siteID string) (err error) {
	defer c.recoverTo(&err, "start")
	if err := c.validateStart(siteID); err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if live(c.getState()) {
		return ErrAlreadyStarted
	}

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.begin(ctx, siteID, sessionID, "")
	return nil
}

// StartSession begins a new logical session. A live session is closed
// first. A non-empty sessionID must be a valid user identifier and doubles
// as the user identifier; otherwise one is generated.
func (c *Controller) StartSession(ctx context.Context, siteID, sessionID string) (err error) {
	defer c.recoverTo(&err, "start session")
	if err := c.validateStart(siteID); err != nil {
		return err
	}
	userID := ""
	if sessionID != "" {
		if err := model.ValidateUserID(sessionID); err != nil {
			return fmt.Errorf("session: start session: %w", err)
		}
		userID = sessionID
	} else {
		sessionID = uuid.NewString()
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if live(c.getState()) {
		c.stopLocked(ctx, true)
	}
	c.begin(ctx, siteID, sessionID, userID)
	return nil
}

func (c *Controller) validateStart(siteID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := model.ValidateClientKey(c.cfg.ClientKey); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	if err := model.ValidateSiteID(siteID); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	return nil
}

// begin runs the start sequence. Callers hold opMu.
func (c *Controller) begin(ctx context.Context, siteID, sessionID, userID string) {
	c.mu.Lock()
	c.state = model.StateStarting
	c.siteID = siteID
	c.sessionID = sessionID
	c.linkedSiteID = ""
	if userID != "" {
		c.userID = userID
	}
	c.mu.Unlock()

	cfg, err := c.deps.Config.RefreshIfExpired(ctx)
	if err != nil {
		c.logger.Warn("session: using default config", "site_id", siteID, "error", err)
	}
	if cfg.SiteID == "" {
		cfg.SiteID = siteID
	}
	c.deps.Sampler.Rebuild(cfg, c.cfg.Rand)

	if n := c.deps.Store.FlushQueued(); n > 0 {
		c.logger.Debug("session: promoted pre-session events", "count", n)
	}
	c.emitBoundary(ctx, sessionID, siteID)
	if userID != "" {
		c.Emit(model.UserIDSet(c.nowMs(), userID))
	}

	c.failures.Store(0)
	c.deps.Delivery.Start(c.baseCtx)
	c.setState(model.StateActive)
	c.acquireOptional(c.baseCtx)

	c.logger.Info("session: started", "session_id", sessionID, "site_id", siteID,
		"sampled", c.deps.Sampler.IsSampled(siteID))
}

// StartAppFlow marks a flow boundary inside the current session. Events of
// the previous flow are flushed if it was sampled and discarded otherwise.
// With a live session the sampling decision for siteID is redrawn and a new
// CREATE_SESSION and MOBILE_METADATA pair is emitted under the same session
// identifier. Without one, a session is started for siteID (as StartSession
// when userID is set, as Start otherwise) and siteID becomes the linked site.
func (c *Controller) StartAppFlow(ctx context.Context, siteID, userID string) (err error) {
	defer c.recoverTo(&err, "start app flow")
	if c.isClosed() {
		return ErrClosed
	}
	if err := model.ValidateClientKey(c.cfg.ClientKey); err != nil {
		return fmt.Errorf("session: start app flow: %w", err)
	}
	if err := model.ValidateSiteID(siteID); err != nil {
		return fmt.Errorf("session: start app flow: %w", err)
	}
	if userID != "" {
		if err := model.ValidateUserID(userID); err != nil {
			return fmt.Errorf("session: start app flow: %w", err)
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	prevSite := c.currentSiteLocked()
	state, sessionID := c.state, c.sessionID
	c.mu.Unlock()

	if c.deps.Sampler.IsSampled(prevSite) {
		c.flush(ctx)
	} else {
		n := c.deps.Store.Clear()
		c.logger.Debug("session: discarded unsampled flow", "site_id", prevSite, "count", n)
	}

	if !live(state) {
		switch {
		case userID != "":
			sessionID = userID
		case sessionID == "":
			sessionID = uuid.NewString()
		}
		c.begin(ctx, siteID, sessionID, userID)
		c.setLinkedSite(siteID)
		return nil
	}

	if rate, ok := c.deps.Config.Current().RateFor(siteID); ok {
		c.deps.Sampler.Update(siteID, rate, c.cfg.Rand)
	}
	c.setLinkedSite(siteID)
	if userID != "" {
		c.mu.Lock()
		c.userID = userID
		c.mu.Unlock()
		c.Emit(model.UserIDSet(c.nowMs(), userID))
	}
	c.emitBoundary(ctx, sessionID, siteID)

	// Optional signals follow the new flow's sampling decision.
	c.releaseOptional()
	c.acquireOptional(c.baseCtx)

	c.logger.Info("session: app flow started", "session_id", sessionID, "site_id", siteID,
		"sampled", c.deps.Sampler.IsSampled(siteID))
	return nil
}

func (c *Controller) setLinkedSite(siteID string) {
	c.mu.Lock()
	c.linkedSiteID = siteID
	c.mu.Unlock()
	c.Emit(model.LinkedSiteSet(c.nowMs(), siteID))
}

// PauseCollection stops delivery and releases optional signals. The flush
// and release run asynchronously; PendingPause exposes the in-flight job.
// A pause already in flight, or an idle controller, makes this a no-op.
func (c *Controller) PauseCollection(flushEvents bool) error {
	_, err := c.pauseCollection(flushEvents, false)
	return err
}

// pauseCollection reports whether this call made the Active to Paused
// transition. network marks the pause as caused by connectivity loss so a
// reconnect may undo it.
func (c *Controller) pauseCollection(flushEvents, network bool) (paused bool, err error) {
	defer c.recoverTo(&err, "pause")

	c.mu.Lock()
	if c.pause != nil || c.state != model.StateActive {
		c.mu.Unlock()
		return false, nil
	}
	job := &pauseJob{done: make(chan struct{})}
	c.pause = job
	c.state = model.StatePaused
	c.networkPaused = network
	c.mu.Unlock()

	c.deps.Delivery.Stop()
	c.Emit(model.CapturePaused(c.nowMs(), flushEvents))

	go func() {
		defer func() {
			c.mu.Lock()
			if c.pause == job {
				c.pause = nil
			}
			c.mu.Unlock()
			close(job.done)
		}()
		if flushEvents {
			c.flush(c.baseCtx)
		}
		c.releaseOptional()
		c.logger.Info("session: collection paused", "flushed", flushEvents, "network", network)
	}()
	return true, nil
}

// ResumeCollection waits for any in-flight pause, then restarts delivery
// and marks the session active. It is a no-op before any session exists.
func (c *Controller) ResumeCollection(ctx context.Context) (err error) {
	defer c.recoverTo(&err, "resume")
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	state, sessionID, job := c.state, c.sessionID, c.pause
	c.mu.Unlock()
	if state == model.StateNotStarted && sessionID == "" {
		return nil
	}
	if job != nil {
		select {
		case <-job.done:
		case <-ctx.Done():
			return fmt.Errorf("session: resume: %w", ctx.Err())
		}
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	// A stop or close may have finished while this call waited.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if (c.state == model.StateNotStarted && c.sessionID == "") || c.state == model.StateStopping {
		c.mu.Unlock()
		return nil
	}
	wasActive := c.state == model.StateActive
	c.state = model.StateActive
	c.networkPaused = false
	c.mu.Unlock()

	if c.deps.Delivery.Started() {
		c.deps.Delivery.Restart(c.baseCtx)
	} else {
		c.deps.Delivery.Start(c.baseCtx)
	}
	c.failures.Store(0)
	if !wasActive {
		c.Emit(model.CaptureResumed(c.nowMs()))
	}
	c.acquireOptional(c.baseCtx)
	c.logger.Info("session: collection resumed")
	return nil
}

// Stop ends collection but keeps the session identifiers so a later Start
// or ResumeCollection continues the same logical session. Pending events are
// flushed.
func (c *Controller) Stop(ctx context.Context) (err error) {
	defer c.recoverTo(&err, "stop")
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(ctx, false)
	return nil
}

// StopSession ends the logical session: it emits CLOSE_SESSION, flushes and
// clears the session, user and linked-site identifiers.
func (c *Controller) StopSession(ctx context.Context) (err error) {
	defer c.recoverTo(&err, "stop session")
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(ctx, true)
	return nil
}

// stopLocked tears down collection. Callers hold opMu.
func (c *Controller) stopLocked(ctx context.Context, endSession bool) {
	c.mu.Lock()
	prev, sessionID := c.state, c.sessionID
	c.state = model.StateStopping
	job := c.pause
	c.mu.Unlock()

	c.debounce.cancel()
	c.deps.Delivery.Stop()
	if job != nil {
		select {
		case <-job.done:
		case <-ctx.Done():
		}
	}
	if endSession && sessionID != "" {
		c.Emit(model.SessionClosed(c.nowMs(), sessionID))
	}
	if live(prev) || endSession {
		c.flush(ctx)
	}
	c.releaseOptional()

	c.mu.Lock()
	c.state = model.StateNotStarted
	c.networkPaused = false
	if endSession {
		c.sessionID = ""
		c.userID = ""
		c.registeredUserID = ""
		c.linkedSiteID = ""
		c.device = nil
	}
	c.mu.Unlock()

	if live(prev) {
		c.logger.Info("session: stopped", "session_id", sessionID, "ended", endSession)
	}
}

package session

import (
	"fmt"

	"github.com/ashita-ai/kansoku/internal/model"
)

// SetUserID records the application's user identifier and emits
// SET_USER_ID. It replaces any earlier value.
func (c *Controller) SetUserID(userID string) (err error) {
	defer c.recoverTo(&err, "set user id")
	if err := model.ValidateUserID(userID); err != nil {
		return fmt.Errorf("session: set user id: %w", err)
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	c.Emit(model.UserIDSet(c.nowMs(), userID))
	return nil
}

// SetRegisteredUserID records the registered user identifier once per
// session. A different value while one is set is reported as a warning and
// ignored; the same value again is a no-op.
func (c *Controller) SetRegisteredUserID(registeredID string) (err error) {
	defer c.recoverTo(&err, "set registered user id")
	if err := model.ValidateUserID(registeredID); err != nil {
		return fmt.Errorf("session: set registered user id: %w", err)
	}

	c.mu.Lock()
	existing := c.registeredUserID
	if existing == "" {
		c.registeredUserID = registeredID
	}
	c.mu.Unlock()

	switch {
	case existing == registeredID:
		return nil
	case existing != "":
		c.logger.Warn("session: registered user id already set; ignoring new value")
		c.Emit(model.Diagnostic(c.nowMs(), model.LevelWarn,
			"registered user id already set for this session"))
		return nil
	}
	c.Emit(model.RegisteredUserIDSet(c.nowMs(), registeredID))
	return nil
}

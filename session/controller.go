package session

// Controller is the handle an admitted user holds, naming exactly one
// oscillator slot. It holds only its slot index and display name plus a
// back-reference to the owning session's arena, per the arena pattern
// (spec §9 design note) that avoids session/controller cyclic lifetime
// hazards: the session owns the map keyed by slot, controllers just know
// how to find themselves in it.
type Controller struct {
	session     *Session
	Slot        int
	DisplayName string
}

// Session returns the owning session.
func (c *Controller) Session() *Session { return c.session }

// Leave removes this controller from its session (spec §4.H departure).
func (c *Controller) Leave() {
	c.session.removeController(c)
}

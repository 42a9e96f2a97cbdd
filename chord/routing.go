package chord

// routeFor implements the forwarding rule of §4.4: prefer the nearest
// local VNode's finger table, falling back to that VNode's successor,
// falling back to the configured bootstrap address for a joining
// VNode with no routable peers yet.
func (e *Engine) routeFor(target Identifier, joining *VNode) (*NodeRecord, bool) {
	nearest, ok := e.localRoutableTable().FindNearest(target)
	if !ok {
		if joining != nil {
			if boot, ok := e.bootstrapRecord(); ok {
				return boot, true
			}
		}
		for _, vn := range e.vnodes {
			if !vn.successor().ID.Equal(vn.id) {
				return vn.successor(), true
			}
		}
		return nil, false
	}

	vn, ok := e.vnodeByID(nearest.ID)
	if !ok {
		return nearest, true
	}
	if finger, ok := vn.fingerTable.FindNearest(target); ok {
		return finger, true
	}
	return vn.successor(), true
}

// localRoutableTable builds a transient NodeTable of this host's own
// routable VNodes, used only to pick the best local entry point for a
// forwarding decision.
func (e *Engine) localRoutableTable() *NodeTable {
	t := NewNodeTable()
	for _, vn := range e.vnodes {
		if vn.routable {
			t.Upsert(vn.selfRecord())
		}
	}
	return t
}

// findOwner returns the local VNode owning key, or nil.
func (e *Engine) findOwner(key Identifier) *VNode {
	for _, vn := range e.vnodes {
		if vn.routable && vn.Owns(key) {
			return vn
		}
	}
	return nil
}

// vnodeByID returns the local VNode with the given id.
func (e *Engine) vnodeByID(id Identifier) (*VNode, bool) {
	vn, ok := e.vnodesByID[idKey(id)]
	return vn, ok
}

// forward re-sends msg, with its TTL decremented, toward target. A
// message whose TTL reaches zero is dropped and logged (§4.4 "a
// safety net against routing loops"), a behaviour this spec adds
// beyond the distilled description to match the forwarding loop found
// in the original ns-3 application.
func (e *Engine) forward(msg *Message, target Identifier) {
	if msg.TTL == 0 {
		e.logger.Warn("dropping message with expired ttl", "type", msg.Type.String())
		return
	}
	dest, ok := e.routeFor(target, nil)
	if !ok {
		e.logger.Warn("no route to forward message", "type", msg.Type.String())
		return
	}
	fwd := *msg
	fwd.TTL = msg.TTL - 1
	e.transmit(dest.ChordAddr(), &fwd)
}

package ni

// PtlStartBundle and PtlEndBundle exist only so call sites written
// against the Portals4 API compile unchanged; this engine does not
// defer operation dispatch across a bundle the way some
// implementations batch doorbell writes, so both are no-ops.
func (n *NI) PtlStartBundle() error { return nil }

func (n *NI) PtlEndBundle() error { return nil }

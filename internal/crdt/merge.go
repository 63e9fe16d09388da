package crdt

// MergeUpdates combines updates into one update equivalent to applying all of
// them. The result does not depend on the order of updates. No input yields
// the empty update; a single input is validated and returned as is.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	switch len(updates) {
	case 0:
		return EmptyUpdate(), nil
	case 1:
		if _, err := DecodeUpdate(updates[0]); err != nil {
			return nil, err
		}
		return updates[0], nil
	}
	combined := &Update{Deletes: DeleteSet{}}
	for _, b := range updates {
		u, err := DecodeUpdate(b)
		if err != nil {
			return nil, err
		}
		combined.Structs = append(combined.Structs, u.Structs...)
		combined.Deletes.Merge(u.Deletes)
	}
	doc := NewDoc(0)
	if err := doc.Integrate(combined); err != nil {
		return nil, err
	}
	return doc.EncodeStateAsUpdate(nil), nil
}

// ApplyUpdate returns current with update applied.
func ApplyUpdate(current, update []byte) ([]byte, error) {
	return MergeUpdates(current, update)
}

// DiffUpdate returns the part of update a peer with the encoded state vector
// sv does not have. Structs straddling the peer's clock are cut; the delete
// set is always sent whole. An empty state vector returns update unchanged.
func DiffUpdate(update, sv []byte) ([]byte, error) {
	u, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}
	peer, err := DecodeStateVector(sv)
	if err != nil {
		return nil, err
	}
	if len(peer) == 0 {
		return update, nil
	}
	return diff(u, peer), nil
}

func diff(u *Update, peer StateVector) []byte {
	byClient := make(map[uint64][]Struct)
	for _, st := range u.Structs {
		id := st.StructID()
		if id.Clock+st.Len() <= peer.Get(id.Client) {
			continue
		}
		byClient[id.Client] = append(byClient[id.Client], st)
	}
	enc := &encoder{}
	writeClients(enc, byClient, peer)
	deletes := u.Deletes
	if deletes == nil {
		deletes = DeleteSet{}
	}
	deletes.write(enc)
	return enc.bytes()
}

// EncodeStateVectorFromUpdate returns the encoded state vector of the structs
// carried by update.
func EncodeStateVectorFromUpdate(update []byte) ([]byte, error) {
	u, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}
	return EncodeStateVector(ComputeStateVector(u.Structs)), nil
}

// MaterializeUpdate integrates update into a fresh replica and returns the
// projection of every root type.
func MaterializeUpdate(update []byte) (map[string]any, error) {
	doc := NewDoc(0)
	if err := doc.ApplyUpdate(update); err != nil {
		return nil, err
	}
	return doc.ToJSON(), nil
}

package indexing

import (
	"fmt"

	"mit.edu/dsg/journaldb/common"
	"mit.edu/dsg/journaldb/journal"
)

// Entry types of node index operations
const (
	NodeInsertEntry journal.EntryType = 0x20
	NodeDeleteEntry journal.EntryType = 0x21
)

// RegisterLoggables registers the node entry types with registry. Entries decoded through it apply to the
// indexes of im.
func RegisterLoggables(registry *journal.Registry, im *IndexManager) error {
	err := registry.Register(NodeInsertEntry, "NODE_INSERT", func(txnID common.TransactionID) journal.Loggable {
		return &NodeInsert{Base: journal.NewBase(NodeInsertEntry, txnID), im: im}
	})
	if err != nil {
		return err
	}
	return registry.Register(NodeDeleteEntry, "NODE_DELETE", func(txnID common.TransactionID) journal.Loggable {
		return &NodeDelete{Base: journal.NewBase(NodeDeleteEntry, txnID), im: im}
	})
}

// NodeInsert records that a node was stored under a key, possibly replacing an older value.
//
// Payload: OID (4) | KEY (2 + n) | VALUE (2 + n) | HAS_PREV (1) | PREV (2 + n)
type NodeInsert struct {
	journal.Base
	Oid     common.ObjectID
	Key     Key
	Value   []byte
	HasPrev bool
	Prev    []byte

	im *IndexManager
}

// NewNodeInsert prepares the insertion of value under key, capturing the value it would replace.
// Nothing is changed until the entry is redone.
func NewNodeInsert(im *IndexManager, txnID common.TransactionID, oid common.ObjectID, key Key, value []byte) (*NodeInsert, error) {
	index, err := im.GetIndex(oid)
	if err != nil {
		return nil, err
	}
	prev, hasPrev := index.Get(key)
	n := &NodeInsert{
		Base:    journal.NewBase(NodeInsertEntry, txnID),
		Oid:     oid,
		Key:     key.DeepCopy(),
		Value:   append([]byte(nil), value...),
		HasPrev: hasPrev,
		Prev:    append([]byte(nil), prev...),
		im:      im,
	}
	if err := checkNodeFields(n.Key, n.Value, n.Prev); err != nil {
		return nil, err
	}
	if n.LogSize() > journal.MaxPayloadSize {
		return nil, fmt.Errorf("node insert of %d bytes does not fit a journal entry", n.LogSize())
	}
	return n, nil
}

func checkNodeFields(fields ...[]byte) error {
	for _, f := range fields {
		if len(f) > journal.MaxBytesField {
			return fmt.Errorf("node field of %d bytes exceeds the limit of %d", len(f), journal.MaxBytesField)
		}
	}
	return nil
}

func (n *NodeInsert) LogSize() int {
	return 4 + journal.BytesLen(n.Key) + journal.BytesLen(n.Value) + 1 + journal.BytesLen(n.Prev)
}

func (n *NodeInsert) Write(out []byte) {
	enc := journal.NewPayloadEncoder(out)
	enc.PutUint32(uint32(n.Oid))
	enc.PutBytes(n.Key)
	enc.PutBytes(n.Value)
	if n.HasPrev {
		enc.PutUint8(1)
	} else {
		enc.PutUint8(0)
	}
	enc.PutBytes(n.Prev)
}

func (n *NodeInsert) Read(in []byte) error {
	dec := journal.NewPayloadDecoder(in)
	n.Oid = common.ObjectID(dec.Uint32("oid"))
	n.Key = dec.Bytes("key")
	n.Value = dec.Bytes("value")
	n.HasPrev = dec.Uint8("has prev") != 0
	n.Prev = dec.Bytes("prev")
	return dec.Err()
}

// Redo stores the value. Storing it again is harmless.
func (n *NodeInsert) Redo() error {
	index, err := n.im.GetIndex(n.Oid)
	if err != nil {
		return err
	}
	index.Put(n.Key, n.Value)
	return nil
}

// Undo brings back the replaced value, or removes the key if there was none.
func (n *NodeInsert) Undo() error {
	index, err := n.im.GetIndex(n.Oid)
	if err != nil {
		return err
	}
	if n.HasPrev {
		index.Put(n.Key, n.Prev)
	} else {
		index.Delete(n.Key)
	}
	return nil
}

func (n *NodeInsert) Compensation() journal.Loggable {
	if n.HasPrev {
		return &NodeInsert{
			Base:    journal.NewBase(NodeInsertEntry, n.TransactionID()),
			Oid:     n.Oid,
			Key:     n.Key,
			Value:   n.Prev,
			HasPrev: true,
			Prev:    n.Value,
			im:      n.im,
		}
	}
	return &NodeDelete{
		Base: journal.NewBase(NodeDeleteEntry, n.TransactionID()),
		Oid:  n.Oid,
		Key:  n.Key,
		Old:  n.Value,
		im:   n.im,
	}
}

func (n *NodeInsert) Dump() string {
	return fmt.Sprintf("[NODE_INSERT] - transaction: %d at %s - index %d key %s, %d bytes",
		n.TransactionID(), n.Lsn(), n.Oid, n.Key, len(n.Value))
}

// NodeDelete records that a key was removed together with the value it held.
//
// Payload: OID (4) | KEY (2 + n) | OLD (2 + n)
type NodeDelete struct {
	journal.Base
	Oid common.ObjectID
	Key Key
	Old []byte

	im *IndexManager
}

// NewNodeDelete prepares the removal of key. It returns false if the key is not in the index.
func NewNodeDelete(im *IndexManager, txnID common.TransactionID, oid common.ObjectID, key Key) (*NodeDelete, bool, error) {
	index, err := im.GetIndex(oid)
	if err != nil {
		return nil, false, err
	}
	old, ok := index.Get(key)
	if !ok {
		return nil, false, nil
	}
	d := &NodeDelete{
		Base: journal.NewBase(NodeDeleteEntry, txnID),
		Oid:  oid,
		Key:  key.DeepCopy(),
		Old:  append([]byte(nil), old...),
		im:   im,
	}
	if err := checkNodeFields(d.Key, d.Old); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (d *NodeDelete) LogSize() int {
	return 4 + journal.BytesLen(d.Key) + journal.BytesLen(d.Old)
}

func (d *NodeDelete) Write(out []byte) {
	enc := journal.NewPayloadEncoder(out)
	enc.PutUint32(uint32(d.Oid))
	enc.PutBytes(d.Key)
	enc.PutBytes(d.Old)
}

func (d *NodeDelete) Read(in []byte) error {
	dec := journal.NewPayloadDecoder(in)
	d.Oid = common.ObjectID(dec.Uint32("oid"))
	d.Key = dec.Bytes("key")
	d.Old = dec.Bytes("old value")
	return dec.Err()
}

func (d *NodeDelete) Redo() error {
	index, err := d.im.GetIndex(d.Oid)
	if err != nil {
		return err
	}
	index.Delete(d.Key)
	return nil
}

func (d *NodeDelete) Undo() error {
	index, err := d.im.GetIndex(d.Oid)
	if err != nil {
		return err
	}
	index.Put(d.Key, d.Old)
	return nil
}

func (d *NodeDelete) Compensation() journal.Loggable {
	return &NodeInsert{
		Base:  journal.NewBase(NodeInsertEntry, d.TransactionID()),
		Oid:   d.Oid,
		Key:   d.Key,
		Value: d.Old,
		im:    d.im,
	}
}

func (d *NodeDelete) Dump() string {
	return fmt.Sprintf("[NODE_DELETE] - transaction: %d at %s - index %d key %s",
		d.TransactionID(), d.Lsn(), d.Oid, d.Key)
}

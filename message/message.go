// Package message defines the envelopes the server hands through its handler chain.
//
// A Transaction is what arrives in a transaction frame; a Reply is what goes
// back in a reply frame. Neither is serialized directly: the server copies
// their fields into a protocol header and uses Data (or Error) as the body.
package message

import (
	"mini-binder/binder"
)

// Transaction carries a single incoming call.
//
//   - Handle selects the object on the server (assigned by server.Register).
//   - Code is the operation code the stub dispatches on.
//   - Data is the raw transaction parcel, starting with the interface descriptor.
type Transaction struct {
	Seq    uint32
	Handle uint32
	Code   binder.Code
	Mode   binder.CallMode
	Data   []byte
}

// Oneway reports whether the caller is not waiting for a reply.
func (t *Transaction) Oneway() bool {
	return t.Mode == binder.OneWay
}

// Reply carries the outcome of a transaction.
//
//   - On success:  Status is StatusOK and Data holds the reply parcel.
//   - On failure:  Status is the mapped error status and Error holds its text.
type Reply struct {
	Seq    uint32
	Status binder.Status
	Error  string
	Data   []byte
}

// ErrorReply builds the reply for a failed transaction.
func ErrorReply(txn *Transaction, err error) *Reply {
	return &Reply{
		Seq:    txn.Seq,
		Status: binder.StatusOf(err),
		Error:  err.Error(),
	}
}

// Body returns the bytes sent as the reply frame body.
func (r *Reply) Body() []byte {
	if r.Status != binder.StatusOK {
		return []byte(r.Error)
	}
	return r.Data
}

// Err converts the reply status back into an error.
func (r *Reply) Err() error {
	return r.Status.Err(r.Error)
}

////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package chat

import "strconv"

// SentStatus represents the current delivery status of a message in the
// conversation store.
type SentStatus uint8

const (
	// Unsent is the status of an optimistic message before the persistence
	// request has resolved.
	Unsent SentStatus = iota

	// Sent is the status of a message once the persistence layer has
	// confirmed its creation.
	Sent

	// Delivered is the status of a message once it has been observed on the
	// durable change stream.
	Delivered

	// Failed is the status of a message whose persistence request failed. The
	// message is retained so the user can retry or see the error; it is never
	// silently removed.
	Failed
)

// String returns a human-readable version of [SentStatus], used for debugging
// and logging. This function adheres to the [fmt.Stringer] interface.
func (ss SentStatus) String() string {
	switch ss {
	case Unsent:
		return "unsent"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "Invalid SentStatus: " + strconv.Itoa(int(ss))
	}
}

/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"container/list"

	"github.com/zgreplica/zg/peerid"
)

// MessageTag is PZGMulticastMessageTag (spec.md §4.5): a per-sender
// monotonic counter used to deduplicate a multicast payload received on
// several interfaces.
type MessageTag struct {
	Sender  peerid.ID
	Counter uint64
}

// tagLRU is the bounded last-~1000-tags de-duplication set (spec.md
// §4.5). Beacons are exempted from de-duplication entirely by their
// caller, since their counter is not monotonic per message.
type tagLRU struct {
	capacity int
	order    *list.List
	index    map[MessageTag]*list.Element
}

func newTagLRU(capacity int) *tagLRU {
	return &tagLRU{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[MessageTag]*list.Element),
	}
}

// contains reports whether tag has already been reported complete. It does
// not mark anything; a tag is only inserted once its message has actually
// been reassembled (see insert), so fragments of a still-in-progress
// message never show up here.
func (l *tagLRU) contains(tag MessageTag) bool {
	if el, ok := l.index[tag]; ok {
		l.order.MoveToFront(el)
		return true
	}
	return false
}

// insert marks tag as a completed message, evicting the oldest tag if the
// LRU is full. Any later fragment carrying this tag is then a duplicate of
// an already-delivered message and is dropped by contains.
func (l *tagLRU) insert(tag MessageTag) {
	if el, ok := l.index[tag]; ok {
		l.order.MoveToFront(el)
		return
	}
	el := l.order.PushFront(tag)
	l.index[tag] = el
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		if oldest != nil {
			l.order.Remove(oldest)
			delete(l.index, oldest.Value.(MessageTag))
		}
	}
}

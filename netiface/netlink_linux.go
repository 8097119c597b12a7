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

//go:build linux

package netiface

import (
	"fmt"
	"net"

	"github.com/jsimonetti/rtnetlink"
)

// wirelessKinds lists the rtnetlink link "kind" strings that identify a
// Wi-Fi device, as reported by IFLA_INFO_KIND for wireless drivers.
var wirelessKinds = map[string]bool{
	"wlan":     true,
	"wireless": true,
}

// ListLinks enumerates interfaces via rtnetlink for spec.md §4.7's
// wired-vs-Wi-Fi classification: a link is wireless if its IFLA_INFO_KIND
// says so, otherwise the looksWireless name-prefix check decides.
func ListLinks() ([]Interface, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("netiface: rtnetlink dial: %w", err)
	}
	defer conn.Close()

	msgs, err := conn.Link.List()
	if err != nil {
		return nil, fmt.Errorf("netiface: rtnetlink link list: %w", err)
	}

	out := make([]Interface, 0, len(msgs))
	for _, m := range msgs {
		iface, err := net.InterfaceByIndex(int(m.Index))
		if err != nil {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		ll, _ := ipnetContainsLinkLocal(addrs)

		wireless := false
		if m.Attributes != nil {
			if m.Attributes.Info != nil && wirelessKinds[m.Attributes.Info.Kind] {
				wireless = true
			}
			if !wireless {
				wireless = looksWireless(iface.Name)
			}
		}

		out = append(out, Interface{
			Name:       iface.Name,
			Index:      int(m.Index),
			LinkLocal:  ll,
			IsWireless: wireless,
		})
	}
	return out, nil
}

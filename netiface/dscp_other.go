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

//go:build !linux

package netiface

import (
	"fmt"
	"net"
)

// enableDSCP is a no-op stub on platforms where IP_TOS/IPV6_TCLASS socket
// options aren't wired the same way; ZG functions correctly without it.
func enableDSCP(_ int, _ net.IP, _ int) error {
	return fmt.Errorf("netiface: DSCP tagging not supported on this platform")
}

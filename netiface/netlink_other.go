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

import "fmt"

// ListLinks has no netlink equivalent outside Linux; callers fall back to
// listLinksFallback (spec.md §4.7 is written with a Linux-first posture,
// matching the teacher's own Linux-only packages such as clock and phc).
func ListLinks() ([]Interface, error) {
	return nil, fmt.Errorf("netiface: rtnetlink is linux-only")
}

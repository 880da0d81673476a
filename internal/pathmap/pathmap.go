// SPDX-License-Identifier: MIT

// Package pathmap translates between device-visible and service-local
// path prefixes. Devices see the shared root through a network mount
// (for example //inspector/aoi), the service sees it locally (for
// example /srv/aoi); every inbound and outbound path field passes
// through a Translator.
package pathmap

import "strings"

// Translator swaps one configured prefix for the other. Paths outside
// either prefix pass through unchanged.
type Translator struct {
	devicePrefix string
	localPrefix  string
}

// New returns a Translator for the given prefix pair. Empty prefixes
// yield an identity translator.
func New(devicePrefix, localPrefix string) *Translator {
	return &Translator{
		devicePrefix: strings.TrimRight(devicePrefix, "/\\"),
		localPrefix:  strings.TrimRight(localPrefix, "/\\"),
	}
}

// ToLocal maps a device-visible path to a service-local one.
func (t *Translator) ToLocal(path string) string {
	return swap(path, t.devicePrefix, t.localPrefix)
}

// ToClient maps a service-local path to a device-visible one.
func (t *Translator) ToClient(path string) string {
	return swap(path, t.localPrefix, t.devicePrefix)
}

func swap(path, from, to string) string {
	if from == "" || to == "" {
		return path
	}
	if !strings.HasPrefix(path, from) {
		return path
	}
	return to + path[len(from):]
}

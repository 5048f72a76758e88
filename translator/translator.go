// Package translator maps the opaque cloud-issued network-interface
// identifiers to the dense numeric channel ids used on hot paths.
package translator

import "github.com/hefroy/fleetedge/document"

// Translator is an append-only bijection between InterfaceID and
// ChannelNumericID. Adding entries is not safe for concurrent use; all
// writers run during single-threaded startup, after which readers need
// no locks. The table is small (single-digit channels in practice) so
// lookups are linear.
type Translator struct {
	lookup  []entry
	counter document.ChannelNumericID
}

type entry struct {
	channelID   document.ChannelNumericID
	interfaceID document.InterfaceID
}

// Add registers an interface id and assigns it the next channel id.
// Ids, once assigned, never change.
func (t *Translator) Add(interfaceID document.InterfaceID) {
	t.lookup = append(t.lookup, entry{channelID: t.counter, interfaceID: interfaceID})
	t.counter++
}

// ChannelID returns the numeric channel for an interface id, or
// InvalidChannelNumericID when the interface is unknown.
func (t *Translator) ChannelID(interfaceID document.InterfaceID) document.ChannelNumericID {
	for _, e := range t.lookup {
		if e.interfaceID == interfaceID {
			return e.channelID
		}
	}
	return document.InvalidChannelNumericID
}

// InterfaceID returns the interface id for a numeric channel, or
// InvalidInterfaceID when the channel is unknown.
func (t *Translator) InterfaceID(channelID document.ChannelNumericID) document.InterfaceID {
	for _, e := range t.lookup {
		if e.channelID == channelID {
			return e.interfaceID
		}
	}
	return document.InvalidInterfaceID
}

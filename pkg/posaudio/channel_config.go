package posaudio

import "strings"

// ChannelConfigDelimiter separates the fields of the channel description
// mini-protocol: "...|<host>|<port>|...".
const ChannelConfigDelimiter = "|"

// ParseChannelDescription extracts the position-server address from a
// channel description. Only the first three delimiters matter; text around
// them is ignored and never rewritten.
//
// A description without any delimiter yields ErrNoChannelConfig, a single
// delimiter or an empty host yields ErrConfigParse. In both cases the
// returned RemoteConfig has Present == false. A missing third delimiter or
// an empty port field falls back to defaultPort.
func ParseChannelDescription(description, defaultPort string) (RemoteConfig, error) {
	first := strings.Index(description, ChannelConfigDelimiter)
	if first < 0 {
		return RemoteConfig{}, NewNoChannelConfigError("no config in channel description")
	}
	rest := description[first+1:]

	second := strings.Index(rest, ChannelConfigDelimiter)
	if second < 0 {
		return RemoteConfig{}, NewConfigParseError("single delimiter in channel description")
	}
	host := rest[:second]
	if host == "" {
		return RemoteConfig{}, NewConfigParseError("empty host in channel description")
	}
	rest = rest[second+1:]

	port := defaultPort
	if third := strings.Index(rest, ChannelConfigDelimiter); third > 0 {
		port = rest[:third]
	}

	return RemoteConfig{Host: host, Port: port, Present: true}, nil
}

package relay

import "hash/fnv"

var (
	adjectives = []string{
		"Brisk", "Calm", "Clever", "Golden", "Mellow",
		"Quick", "Quiet", "Sharp", "Sunny", "Witty",
	}
	nouns = []string{
		"Comet", "Falcon", "Harbor", "Lighthouse", "Meadow",
		"Orchard", "River", "Sparrow", "Summit", "Willow",
	}
)

// NameForClient derives a stable display name from the fnv-1a hash of a
// client id.
func NameForClient(clientID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	v := h.Sum32()
	return adjectives[int(v)%len(adjectives)] + " " + nouns[int(v>>8)%len(nouns)]
}

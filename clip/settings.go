package clip

import "fmt"

// DiskCachePolicy governs whether and how a clip is persisted to disk.
type DiskCachePolicy int

const (
	// CacheNever disables disk persistence for the clip.
	CacheNever DiskCachePolicy = iota
	// CacheOnDemand persists clips to disk as they are fetched and serves
	// them from disk on later requests.
	CacheOnDemand
	// CachePreload expects the clip to already be on disk. A download
	// request for a clip that is not cached fails instead of reaching
	// for the network.
	CachePreload
)

// String returns the string representation of the policy.
func (p DiskCachePolicy) String() string {
	switch p {
	case CacheNever:
		return "never"
	case CacheOnDemand:
		return "on-demand"
	case CachePreload:
		return "preload"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// VoiceSettings describes the synthesis parameters for a clip. It is an
// immutable value object; every field participates in the clip identity,
// so changing any of them yields a different clip ID.
type VoiceSettings struct {
	Voice    string  // Voice or speaker name
	Language string  // BCP-47 language tag, e.g. "en-US"
	Speed    float64 // Speaking rate multiplier, 1.0 = normal
	Pitch    float64 // Pitch offset in semitones, 0 = unchanged

	// PrependText and AppendText are spoken before and after the
	// requested text and are hashed together with it.
	PrependText string
	AppendText  string
}

// DefaultVoiceSettings returns a neutral voice configuration.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Language: "en-US",
		Speed:    1.0,
	}
}

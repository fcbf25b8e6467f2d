package protocol

import "encoding/json"

// Filters is the full audio filter configuration for one player. The
// node has no incremental filter update; callers always send the whole
// set, so pkg/lavakit merges labelled filters into one of these before
// every send.
type Filters struct {
	Volume     *float64        `json:"volume,omitempty"`
	Equalizer  []EQBand        `json:"equalizer,omitempty"`
	Karaoke    *Karaoke        `json:"karaoke,omitempty"`
	Timescale  *Timescale      `json:"timescale,omitempty"`
	Tremolo    *Tremolo        `json:"tremolo,omitempty"`
	Vibrato    *Vibrato        `json:"vibrato,omitempty"`
	Rotation   *Rotation       `json:"rotation,omitempty"`
	Distortion *Distortion     `json:"distortion,omitempty"`
	ChannelMix *ChannelMix     `json:"channelMix,omitempty"`
	LowPass    *LowPass        `json:"lowPass,omitempty"`
	PluginData json.RawMessage `json:"pluginFilters,omitempty"`
}

// Merge overlays other on top of f, field by field. Later filters in a
// player's chain win per component; equalizer bands are replaced, not
// mixed.
func (f Filters) Merge(other Filters) Filters {
	out := f
	if other.Volume != nil {
		out.Volume = other.Volume
	}
	if other.Equalizer != nil {
		out.Equalizer = other.Equalizer
	}
	if other.Karaoke != nil {
		out.Karaoke = other.Karaoke
	}
	if other.Timescale != nil {
		out.Timescale = other.Timescale
	}
	if other.Tremolo != nil {
		out.Tremolo = other.Tremolo
	}
	if other.Vibrato != nil {
		out.Vibrato = other.Vibrato
	}
	if other.Rotation != nil {
		out.Rotation = other.Rotation
	}
	if other.Distortion != nil {
		out.Distortion = other.Distortion
	}
	if other.ChannelMix != nil {
		out.ChannelMix = other.ChannelMix
	}
	if other.LowPass != nil {
		out.LowPass = other.LowPass
	}
	if other.PluginData != nil {
		out.PluginData = other.PluginData
	}
	return out
}

// Map renders the filter set as a generic JSON object, the shape the
// node's update endpoint expects under "filters".
func (f Filters) Map() (map[string]any, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EQBand adjusts one of the 15 fixed equalizer bands. Gain runs from
// -0.25 (muted) to 1.0.
type EQBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

type Karaoke struct {
	Level       *float64 `json:"level,omitempty"`
	MonoLevel   *float64 `json:"monoLevel,omitempty"`
	FilterBand  *float64 `json:"filterBand,omitempty"`
	FilterWidth *float64 `json:"filterWidth,omitempty"`
}

type Timescale struct {
	Speed *float64 `json:"speed,omitempty"`
	Pitch *float64 `json:"pitch,omitempty"`
	Rate  *float64 `json:"rate,omitempty"`
}

type Tremolo struct {
	Frequency *float64 `json:"frequency,omitempty"`
	Depth     *float64 `json:"depth,omitempty"`
}

type Vibrato struct {
	Frequency *float64 `json:"frequency,omitempty"`
	Depth     *float64 `json:"depth,omitempty"`
}

type Rotation struct {
	RotationHz *float64 `json:"rotationHz,omitempty"`
}

type Distortion struct {
	SinOffset *float64 `json:"sinOffset,omitempty"`
	SinScale  *float64 `json:"sinScale,omitempty"`
	CosOffset *float64 `json:"cosOffset,omitempty"`
	CosScale  *float64 `json:"cosScale,omitempty"`
	TanOffset *float64 `json:"tanOffset,omitempty"`
	TanScale  *float64 `json:"tanScale,omitempty"`
	Offset    *float64 `json:"offset,omitempty"`
	Scale     *float64 `json:"scale,omitempty"`
}

type ChannelMix struct {
	LeftToLeft   *float64 `json:"leftToLeft,omitempty"`
	LeftToRight  *float64 `json:"leftToRight,omitempty"`
	RightToLeft  *float64 `json:"rightToLeft,omitempty"`
	RightToRight *float64 `json:"rightToRight,omitempty"`
}

type LowPass struct {
	Smoothing *float64 `json:"smoothing,omitempty"`
}

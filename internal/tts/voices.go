package tts

// SampleText is the sentence rendered for voice preview samples.
const SampleText = "A quick fox jumps over the lazy dog."

// Voice describes one entry in the catalog.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Gender   string `json:"gender"`
	Sample   string `json:"sample,omitempty"` // base64 WAV, only when requested
}

// voiceProfile pairs catalog data with the synthesis parameters that make
// each voice sound distinct and deterministic.
type voiceProfile struct {
	Voice
	baseFreq float64 // fundamental frequency in Hz
	timbre   float64 // harmonic richness, 0..1
}

// kokoroVoices is the full Kokoro catalog. The id prefix encodes accent and
// gender: a=American, b=British; f=female, m=male.
var kokoroVoices = []voiceProfile{
	{Voice: Voice{ID: "kokoro.af_heart", Name: "Heart", Language: "en-US", Gender: "female"}, baseFreq: 214, timbre: 0.62},
	{Voice: Voice{ID: "kokoro.af_alloy", Name: "Alloy", Language: "en-US", Gender: "female"}, baseFreq: 206, timbre: 0.55},
	{Voice: Voice{ID: "kokoro.af_aoede", Name: "Aoede", Language: "en-US", Gender: "female"}, baseFreq: 222, timbre: 0.58},
	{Voice: Voice{ID: "kokoro.af_bella", Name: "Bella", Language: "en-US", Gender: "female"}, baseFreq: 218, timbre: 0.66},
	{Voice: Voice{ID: "kokoro.af_jessica", Name: "Jessica", Language: "en-US", Gender: "female"}, baseFreq: 210, timbre: 0.52},
	{Voice: Voice{ID: "kokoro.af_kore", Name: "Kore", Language: "en-US", Gender: "female"}, baseFreq: 226, timbre: 0.6},
	{Voice: Voice{ID: "kokoro.af_nicole", Name: "Nicole", Language: "en-US", Gender: "female"}, baseFreq: 202, timbre: 0.57},
	{Voice: Voice{ID: "kokoro.af_nova", Name: "Nova", Language: "en-US", Gender: "female"}, baseFreq: 230, timbre: 0.64},
	{Voice: Voice{ID: "kokoro.af_river", Name: "River", Language: "en-US", Gender: "female"}, baseFreq: 208, timbre: 0.5},
	{Voice: Voice{ID: "kokoro.af_sarah", Name: "Sarah", Language: "en-US", Gender: "female"}, baseFreq: 216, timbre: 0.59},
	{Voice: Voice{ID: "kokoro.af_sky", Name: "Sky", Language: "en-US", Gender: "female"}, baseFreq: 234, timbre: 0.61},
	{Voice: Voice{ID: "kokoro.am_adam", Name: "Adam", Language: "en-US", Gender: "male"}, baseFreq: 118, timbre: 0.48},
	{Voice: Voice{ID: "kokoro.am_echo", Name: "Echo", Language: "en-US", Gender: "male"}, baseFreq: 124, timbre: 0.53},
	{Voice: Voice{ID: "kokoro.am_eric", Name: "Eric", Language: "en-US", Gender: "male"}, baseFreq: 112, timbre: 0.5},
	{Voice: Voice{ID: "kokoro.am_fenrir", Name: "Fenrir", Language: "en-US", Gender: "male"}, baseFreq: 104, timbre: 0.68},
	{Voice: Voice{ID: "kokoro.am_liam", Name: "Liam", Language: "en-US", Gender: "male"}, baseFreq: 120, timbre: 0.46},
	{Voice: Voice{ID: "kokoro.am_michael", Name: "Michael", Language: "en-US", Gender: "male"}, baseFreq: 116, timbre: 0.51},
	{Voice: Voice{ID: "kokoro.am_onyx", Name: "Onyx", Language: "en-US", Gender: "male"}, baseFreq: 98, timbre: 0.63},
	{Voice: Voice{ID: "kokoro.am_puck", Name: "Puck", Language: "en-US", Gender: "male"}, baseFreq: 132, timbre: 0.58},
	{Voice: Voice{ID: "kokoro.am_santa", Name: "Santa", Language: "en-US", Gender: "male"}, baseFreq: 94, timbre: 0.7},
	{Voice: Voice{ID: "kokoro.bf_emma", Name: "Emma", Language: "en-GB", Gender: "female"}, baseFreq: 212, timbre: 0.56},
	{Voice: Voice{ID: "kokoro.bf_isabella", Name: "Isabella", Language: "en-GB", Gender: "female"}, baseFreq: 220, timbre: 0.6},
	{Voice: Voice{ID: "kokoro.bf_alice", Name: "Alice", Language: "en-GB", Gender: "female"}, baseFreq: 224, timbre: 0.54},
	{Voice: Voice{ID: "kokoro.bf_lily", Name: "Lily", Language: "en-GB", Gender: "female"}, baseFreq: 228, timbre: 0.58},
	{Voice: Voice{ID: "kokoro.bm_george", Name: "George", Language: "en-GB", Gender: "male"}, baseFreq: 108, timbre: 0.52},
	{Voice: Voice{ID: "kokoro.bm_lewis", Name: "Lewis", Language: "en-GB", Gender: "male"}, baseFreq: 114, timbre: 0.49},
	{Voice: Voice{ID: "kokoro.bm_daniel", Name: "Daniel", Language: "en-GB", Gender: "male"}, baseFreq: 122, timbre: 0.55},
	{Voice: Voice{ID: "kokoro.bm_fable", Name: "Fable", Language: "en-GB", Gender: "male"}, baseFreq: 110, timbre: 0.65},
}

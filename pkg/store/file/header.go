package file

import "encoding/json"

// header is the on-disk imposter.json: protocol-level configuration opaque
// to this layer, a stubs array, and the stub-directory allocation floor.
//
// The floor makes stub-dir numbering monotonic across deletes. It has to be
// persisted, and persisted here: a process-local counter would let two
// processes sharing the data directory re-allocate a released suffix, and
// the header is the only per-imposter file already guarded by a lock during
// stub-list mutations.
type header struct {
	Stubs       []stubEntry
	NextStubDir int

	// Extra carries every other header field verbatim.
	Extra map[string]json.RawMessage
}

// stubEntry is a stub as stored in the header: predicates plus a pointer to
// the directory holding its responses and cycle state.
type stubEntry struct {
	Predicates []json.RawMessage `json:"predicates,omitempty"`
	Meta       stubMeta          `json:"meta"`
}

// stubMeta locates a stub's directory relative to the imposter directory.
// The dir value is stable for the stub's lifetime.
type stubMeta struct {
	Dir string `json:"dir"`
}

// stubState is the on-disk meta.json of one stub: the response files, the
// pre-expanded cycling sequence, and the cursor into it.
type stubState struct {
	ResponseFiles    []string `json:"responseFiles"`
	OrderWithRepeats []int    `json:"orderWithRepeats"`
	NextIndex        int      `json:"nextIndex"`
}

func newStubState() stubState {
	return stubState{ResponseFiles: []string{}, OrderWithRepeats: []int{}}
}

const (
	headerStubsKey = "stubs"
	headerFloorKey = "nextStubDir"
)

func (h *header) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields[headerStubsKey]; ok {
		if err := json.Unmarshal(raw, &h.Stubs); err != nil {
			return err
		}
		delete(fields, headerStubsKey)
	}
	if raw, ok := fields[headerFloorKey]; ok {
		if err := json.Unmarshal(raw, &h.NextStubDir); err != nil {
			return err
		}
		delete(fields, headerFloorKey)
	}
	h.Extra = fields
	return nil
}

func (h header) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(h.Extra)+2)
	for k, v := range h.Extra {
		fields[k] = v
	}
	stubs := h.Stubs
	if stubs == nil {
		stubs = []stubEntry{}
	}
	raw, err := json.Marshal(stubs)
	if err != nil {
		return nil, err
	}
	fields[headerStubsKey] = raw
	if h.NextStubDir > 0 {
		raw, err := json.Marshal(h.NextStubDir)
		if err != nil {
			return nil, err
		}
		fields[headerFloorKey] = raw
	}
	return json.Marshal(fields)
}

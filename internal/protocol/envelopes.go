package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Tyrowin/cipherchat/internal/errs"
)

// Envelope is a per-recipient wrapped copy of a message key. All fields are
// base64: the wrapped key, the sender's ephemeral SPKI public key and the
// wrap IV.
type Envelope struct {
	Key         string `json:"key"`
	EphemPubKey string `json:"ephemPubKey"`
	IV          string `json:"iv"`
}

// Envelopes maps a recipient id in canonical decimal form to its envelope.
//
// Decoding accepts an object whose keys are any numeric spelling of an id
// ("7", " 7", "7.0") and the sparse array form where the index is the id.
// Keys that are not numeric are kept verbatim.
type Envelopes map[string]Envelope

// For returns the envelope addressed to id.
func (e Envelopes) For(id ID) (Envelope, bool) {
	env, ok := e[id.String()]
	return env, ok
}

// Put stores the envelope for id under its canonical key.
func (e Envelopes) Put(id ID, env Envelope) {
	e[id.String()] = env
}

// Recipients lists the ids that have an envelope, skipping non-numeric keys.
func (e Envelopes) Recipients() IDs {
	out := make(IDs, 0, len(e))
	for k := range e {
		if id, err := ParseID(k); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// UnmarshalJSON canonicalises recipient keys.
func (e *Envelopes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = nil
		return nil
	}

	out := Envelopes{}
	switch b[0] {
	case '{':
		var raw map[string]*Envelope
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("%w: envelopes: %v", errs.ErrMalformed, err)
		}
		for k, env := range raw {
			if env == nil {
				continue
			}
			key := strings.TrimSpace(k)
			if id, err := ParseID(key); err == nil {
				key = id.String()
			}
			out[key] = *env
		}
	case '[':
		var raw []*Envelope
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("%w: envelopes: %v", errs.ErrMalformed, err)
		}
		for i, env := range raw {
			if env == nil {
				continue
			}
			out[ID(i).String()] = *env
		}
	default:
		return fmt.Errorf("%w: envelopes must be an object", errs.ErrMalformed)
	}
	*e = out
	return nil
}

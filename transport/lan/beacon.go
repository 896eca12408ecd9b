package lan

import (
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/onetoone/limits"
)

// beacon is the discovery announcement broadcast while advertising.
type beacon struct {
	Service  string `cbor:"service"`
	Key      []byte `cbor:"key"`
	Port     uint16 `cbor:"port"`
	Name     string `cbor:"name,omitempty"`
	Instance string `cbor:"instance"`
}

var errInvalidBeacon = errors.New("invalid beacon")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

func encodeBeacon(b beacon) ([]byte, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode beacon: %w", err)
	}
	if err := limits.ValidateBeacon(data); err != nil {
		return nil, err
	}
	return data, nil
}

func decodeBeacon(data []byte) (beacon, error) {
	var b beacon
	if err := limits.ValidateBeacon(data); err != nil {
		return b, fmt.Errorf("%w: %v", errInvalidBeacon, err)
	}
	if err := decMode.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("%w: %v", errInvalidBeacon, err)
	}
	if err := b.validate(); err != nil {
		return b, err
	}
	return b, nil
}

func (b beacon) validate() error {
	switch {
	case b.Service == "":
		return fmt.Errorf("%w: missing service", errInvalidBeacon)
	case len(b.Key) != 32:
		return fmt.Errorf("%w: key length %d", errInvalidBeacon, len(b.Key))
	case b.Port == 0:
		return fmt.Errorf("%w: missing port", errInvalidBeacon)
	case len(b.Name) > limits.MaxDisplayNameLength:
		return fmt.Errorf("%w: name too long", errInvalidBeacon)
	}
	return nil
}

// inviteRequest rides in the first handshake message.
type inviteRequest struct {
	Service    string `cbor:"service"`
	Invitation []byte `cbor:"invitation"`
	Name       string `cbor:"name,omitempty"`
}

// inviteAnswer rides in the second handshake message.
type inviteAnswer struct {
	Accept bool `cbor:"accept"`
}

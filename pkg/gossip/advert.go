package gossip

import (
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/memberlist"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("gossip: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Advert is what a node tells its peers about itself. It travels in the
// memberlist node metadata, so its encoding must stay under
// `memberlist.MetaMaxSize`.
type Advert struct {
	// Node is filled from the member name on reception.
	Node string `cbor:"-"`

	// Addr is where the node accepts channels.
	Addr string `cbor:"1,keyasint,omitempty"`

	// Domain the node's functions belong to.
	Domain string `cbor:"2,keyasint,omitempty"`

	// Functions the node serves.
	Functions []string `cbor:"3,keyasint,omitempty"`
}

// Serves reports whether the node advertises fn.
func (a Advert) Serves(fn string) bool {
	return slices.Contains(a.Functions, fn)
}

func (a Advert) marshal() ([]byte, error) {
	meta, err := encMode.Marshal(a)
	if err != nil {
		return nil, err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrAdvertTooLarge, len(meta))
	}
	return meta, nil
}

func unmarshalAdvert(node *memberlist.Node) (Advert, error) {
	var a Advert
	if len(node.Meta) > 0 {
		if err := cbor.Unmarshal(node.Meta, &a); err != nil {
			return Advert{}, fmt.Errorf("%w: %w", ErrBadAdvert, err)
		}
	}
	a.Node = node.Name
	return a, nil
}

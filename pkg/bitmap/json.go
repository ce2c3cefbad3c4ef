package bitmap

import "encoding/json"

type wireBitmap struct {
	N    int      `json:"n"`
	Bits []uint64 `json:"bits"`
}

// MarshalJSON encodes the bitmap's capacity and words so it survives
// BoltDB persistence and Raft snapshotting.
func (b *Bitmap) MarshalJSON() ([]byte, error) {
	if b == nil {
		return json.Marshal(wireBitmap{})
	}
	return json.Marshal(wireBitmap{N: b.n, Bits: b.bits})
}

// UnmarshalJSON restores a bitmap encoded by MarshalJSON.
func (b *Bitmap) UnmarshalJSON(data []byte) error {
	var w wireBitmap
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.n = w.N
	b.bits = w.Bits
	return nil
}

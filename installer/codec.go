package installer

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// wireResult is the rendezvous payload. Integer keys keep it small when it
// crosses a Redis hop.
type wireResult struct {
	Code    int    `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("installer: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeResult serializes a callback outcome for a rendezvous.Host.
func EncodeResult(code int, message string) ([]byte, error) {
	return encMode.Marshal(wireResult{Code: code, Message: message})
}

// DecodeResult is the inverse of EncodeResult.
func DecodeResult(data []byte) (CommitResult, error) {
	var w wireResult
	if err := cbor.Unmarshal(data, &w); err != nil {
		return CommitResult{}, fmt.Errorf("installer: decode commit result: %w", err)
	}
	return ResultFromStatus(w.Code, w.Message), nil
}

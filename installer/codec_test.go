package installer

import "testing"

func TestDecodeResult(t *testing.T) {
	data, err := EncodeResult(-110, "INSTALL_FAILED_INTERNAL_ERROR")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	res, err := DecodeResult(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != StatusFailure || res.Code != -110 || res.Message != "INSTALL_FAILED_INTERNAL_ERROR" {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, err := DecodeResult([]byte{0xff, 0x00}); err == nil {
		t.Fatal("expected garbage to fail decoding")
	}
}

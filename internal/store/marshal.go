package store

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/ferry/internal/model"
)

var (
	fieldsEncMode cbor.EncMode
	fieldsDecMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding sorts map keys so equal documents produce
	// equal bytes.
	fieldsEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	fieldsDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// marshalFields encodes normalized document fields as CBOR.
func marshalFields(f model.Fields) ([]byte, error) {
	n, err := model.NormalizeFields(f)
	if err != nil {
		return nil, model.Wrap(model.CodeInvalidArgument, err, "marshal fields")
	}
	data, err := fieldsEncMode.Marshal(map[string]any(n))
	if err != nil {
		return nil, fmt.Errorf("marshal fields: %w", err)
	}
	return data, nil
}

// unmarshalFields decodes CBOR document fields.
// An empty blob decodes to empty (non-nil) fields.
func unmarshalFields(data []byte) (model.Fields, error) {
	if len(data) == 0 {
		return model.Fields{}, nil
	}
	var m map[string]any
	if err := fieldsDecMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return model.NormalizeFields(m)
}

package docqw

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes what docqw stores outside the process: cached task
// metadata, broker job payloads and task results.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with encoding/json and decodes with sonic. It is the
// default for task metadata and job payloads.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// ResultEncoder uses sonic in both directions with encoding/json compatible
// output. Results may carry whole documents and zip archives, so the result
// stores default to it.
type ResultEncoder struct{}

func (*ResultEncoder) Encode(v any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(v)
}

func (*ResultEncoder) Decode(data []byte, v any) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}

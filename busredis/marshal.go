package busredis

import "encoding/json"

// marshalData encodes an arbitrary payload to its wire JSON form. A
// caller that already has json.RawMessage or []byte passes it through
// unchanged rather than double-encoding it.
func marshalData(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
}

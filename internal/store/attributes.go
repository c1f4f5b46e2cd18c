package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// normalizeValue converts an arbitrary Go value to its JSON data model form:
// maps, slices, strings, bools, nil, int64, uint64 (above MaxInt64 only) or float64.
func normalizeValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("attribute value %v is not encodable: %w", v, err)
	}
	return decodeValue(data)
}

func decodeValue(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return normalizeNumbers(out), nil
}

func normalizeNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(string(x), 10, 64); err == nil {
			return u
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return math.NaN()
	case map[string]interface{}:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []interface{}:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	}
	return v
}

func decodeAttributes(data string) (map[string]interface{}, error) {
	v, err := decodeValue([]byte(data))
	if err != nil {
		return nil, err
	}
	attrs, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("attributes are not an object")
	}
	return attrs, nil
}

func encodeAttributes(attrs map[string]interface{}) (string, error) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boolAttr(attrs map[string]interface{}, name string) bool {
	b, _ := attrs[name].(bool)
	return b
}

package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Pair is one flattened (topic, value) candidate emitted by Flatten.
type Pair struct {
	Topic string
	Value string
}

// Flatten expands a JSON object payload into one Pair per leaf, joining the
// incoming topic and the object path with '/'. Array elements contribute
// their index as a path segment. Key order follows the source document.
//
// Only a top-level JSON object is expanded. Any other payload, including
// valid JSON scalars and arrays, malformed JSON, and the empty string, comes
// back verbatim as a single (topic, payload) pair.
func Flatten(topic, payload string) []Pair {
	trimmed := strings.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return []Pair{{Topic: topic, Value: payload}}
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return []Pair{{Topic: topic, Value: payload}}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return []Pair{{Topic: topic, Value: payload}}
	}

	pairs := make([]Pair, 0, 8)
	if err := flattenObject(dec, topic, &pairs); err != nil {
		return []Pair{{Topic: topic, Value: payload}}
	}
	// Trailing garbage after the object makes the whole payload invalid.
	if dec.More() {
		return []Pair{{Topic: topic, Value: payload}}
	}
	return pairs
}

// flattenObject consumes the members of an object whose opening brace has
// already been read, emitting leaves under prefix.
func flattenObject(dec *json.Decoder, prefix string, out *[]Pair) error {
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("object key is %T, not string", tok)
		}
		if err := flattenValue(dec, prefix+"/"+key, out); err != nil {
			return err
		}
	}
	_, err := dec.Token() // closing brace
	return err
}

// flattenArray consumes the elements of an array whose opening bracket has
// already been read. Element indices become path segments.
func flattenArray(dec *json.Decoder, prefix string, out *[]Pair) error {
	for i := 0; dec.More(); i++ {
		if err := flattenValue(dec, prefix+"/"+strconv.Itoa(i), out); err != nil {
			return err
		}
	}
	_, err := dec.Token() // closing bracket
	return err
}

// flattenValue reads one value and either recurses into it or emits a leaf.
// Numbers keep their source text, so 3.0 stays "3.0" and 42 stays "42".
func flattenValue(dec *json.Decoder, path string, out *[]Pair) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return flattenObject(dec, path, out)
		case '[':
			return flattenArray(dec, path, out)
		default:
			return fmt.Errorf("unexpected delimiter %q", v)
		}
	case string:
		*out = append(*out, Pair{Topic: path, Value: v})
	case json.Number:
		*out = append(*out, Pair{Topic: path, Value: v.String()})
	case bool:
		*out = append(*out, Pair{Topic: path, Value: strconv.FormatBool(v)})
	case nil:
		*out = append(*out, Pair{Topic: path, Value: "null"})
	default:
		return fmt.Errorf("unexpected token %T", tok)
	}
	return nil
}

package pulse

import (
	"errors"
	"strings"
)

// RoutingKeyPart describes one positional component of a dotted routing
// key. At most one part in a reference may have MultipleWords set; it
// absorbs however many dot-separated words the fixed parts leave over.
type RoutingKeyPart struct {
	Name          string
	MultipleWords bool
}

// ParseRoutingKey decodes a dotted routing key against a reference list of
// part descriptors, returning a map from each part's name to its value.
// Fixed parts are assigned from the front, then from the back, and the
// single multi-word part (if any) receives the joined remainder, which may
// be empty.
func ParseRoutingKey(routingKey string, reference []RoutingKeyPart) (map[string]string, error) {
	multi := -1
	for i, part := range reference {
		if part.MultipleWords {
			if multi >= 0 {
				return nil, &RoutingKeyError{
					RoutingKey: routingKey,
					Err:        errors.New("reference has more than one multi-word part"),
				}
			}
			multi = i
		}
	}

	words := strings.Split(routingKey, ".")
	parsed := make(map[string]string, len(reference))

	if multi < 0 {
		if len(words) != len(reference) {
			return nil, &RoutingKeyError{
				RoutingKey: routingKey,
				Err:        errors.New("word count does not match reference"),
			}
		}
		for i, part := range reference {
			parsed[part.Name] = words[i]
		}
		return parsed, nil
	}

	trailing := len(reference) - 1 - multi
	if len(words) < multi+trailing {
		return nil, &RoutingKeyError{
			RoutingKey: routingKey,
			Err:        errors.New("too few words for reference"),
		}
	}
	for i := 0; i < multi; i++ {
		parsed[reference[i].Name] = words[i]
	}
	for j := 0; j < trailing; j++ {
		parsed[reference[len(reference)-1-j].Name] = words[len(words)-1-j]
	}
	parsed[reference[multi].Name] = strings.Join(words[multi:len(words)-trailing], ".")
	return parsed, nil
}

package models

import (
	"encoding/json"
	"fmt"
)

// Item is one upstream record (an email, an event, a concept node).
// Field semantics belong to the resource type.
type Item map[string]any

// Collection is the ordered list of items a cache line holds.
type Collection []Item

// EncodeCollection serializes items into the canonical payload form.
// encoding/json sorts map keys, so equal collections encode to equal bytes.
func EncodeCollection(items Collection) ([]byte, error) {
	if items == nil {
		items = Collection{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("failed to encode collection: %w", err)
	}
	return data, nil
}

// DecodeCollection parses a payload produced by EncodeCollection.
func DecodeCollection(payload []byte) (Collection, error) {
	if len(payload) == 0 {
		return Collection{}, nil
	}
	var items Collection
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("failed to decode collection: %w", err)
	}
	if items == nil {
		items = Collection{}
	}
	return items, nil
}

// EncodeItem serializes a single item canonically.
func EncodeItem(item Item) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item: %w", err)
	}
	return data, nil
}

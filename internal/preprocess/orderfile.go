package preprocess

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// loadOrderFile reads the persisted chain order. A missing file is not
// an error: it simply means no order has been persisted yet.
func loadOrderFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var order []string
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, err
	}
	return order, nil
}

// saveOrderFile mirrors the in-memory chain order to disk.
func saveOrderFile(path string, order []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// reconcile merges a persisted order with the set of preprocessor
// plugins currently known to the manifest store: entries already in the
// persisted order keep their relative position; new preprocessors not
// yet in the order are appended in the (lexicographically sorted) order
// the caller supplies known in; entries no longer backed by a known
// preprocessor plugin are dropped.
func reconcile(persisted []string, known []string) []string {
	knownSet := make(map[string]bool, len(known))
	for _, name := range known {
		knownSet[name] = true
	}

	seen := make(map[string]bool, len(persisted))
	next := make([]string, 0, len(known))
	for _, name := range persisted {
		if knownSet[name] && !seen[name] {
			next = append(next, name)
			seen[name] = true
		}
	}
	for _, name := range known {
		if !seen[name] {
			next = append(next, name)
			seen[name] = true
		}
	}
	return next
}

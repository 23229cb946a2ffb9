package stdioexec

import (
	"encoding/json"
	"testing"
)

func TestScannerFindsFirstTopLevelObject(t *testing.T) {
	s := jsonObjectScanner{}
	buf := []byte(`{"status":"success","result":"queued"}` + "\nlater progress output")
	if !s.feed(buf, 0) {
		t.Fatal("expected a complete object")
	}
	var payload PluginPayload
	if err := json.Unmarshal(buf[s.start:s.end], &payload); err != nil {
		t.Fatalf("scanned span did not parse: %v", err)
	}
	if payload.Result != "queued" {
		t.Errorf("expected result 'queued', got %v", payload.Result)
	}
}

func TestScannerHandlesBracesAndEscapesInsideStrings(t *testing.T) {
	s := jsonObjectScanner{}
	buf := []byte(`{"msg": "a { b } \" {{", "nested": {"x": 1}}`)
	if !s.feed(buf, 0) {
		t.Fatal("expected a complete object")
	}
	if string(buf[s.start:s.end]) != string(buf) {
		t.Errorf("expected the whole object, got %q", buf[s.start:s.end])
	}
}

// The async-ack poller feeds the scanner incrementally as stdout
// arrives; state must carry across feeds without re-processing bytes.
func TestScannerCarriesStateAcrossIncrementalFeeds(t *testing.T) {
	s := jsonObjectScanner{}
	full := []byte(`  {"a": "b{", "n": {"x": 1}}`)

	for split := 1; split < len(full); split++ {
		s = jsonObjectScanner{}
		if s.feed(full[:split], 0) {
			t.Fatalf("split %d: object cannot be complete yet", split)
		}
		if !s.feed(full, split) {
			t.Fatalf("split %d: expected completion on second feed", split)
		}
		var parsed map[string]interface{}
		if err := json.Unmarshal(full[s.start:s.end], &parsed); err != nil {
			t.Fatalf("split %d: span did not parse: %v", split, err)
		}
	}
}

func TestScannerIgnoresLeadingNonObjectBytes(t *testing.T) {
	s := jsonObjectScanner{}
	buf := []byte("warming up...\n{\"status\":\"success\"}")
	if !s.feed(buf, 0) {
		t.Fatal("expected a complete object after leading noise")
	}
	if string(buf[s.start:s.end]) != `{"status":"success"}` {
		t.Errorf("unexpected span %q", buf[s.start:s.end])
	}
}
